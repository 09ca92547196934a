package mockledger

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runwayly/ledgersync/internal/ledgerapi"
)

// ---------------------------------------------------------------------------
// Query filter evaluation
// ---------------------------------------------------------------------------

// clauseRe matches one comparison inside a SQL-like filter:
// Balance > '0', DueDate <= '2025-07-01'.
var clauseRe = regexp.MustCompile(`(\w+)\s*(<=|>=|<|>|=)\s*'([^']*)'`)

type clause struct {
	field string
	op    string
	value string
}

// parseFilter extracts the WHERE clauses from a SQL-like query string.
// Everything before WHERE is ignored; the mock always scans the whole
// entity set, which is what the provider's SELECT * amounts to here.
func parseFilter(q string) []clause {
	idx := strings.Index(strings.ToUpper(q), " WHERE ")
	if idx < 0 {
		return nil
	}
	var out []clause
	for _, m := range clauseRe.FindAllStringSubmatch(q[idx:], -1) {
		out = append(out, clause{field: m[1], op: m[2], value: m[3]})
	}
	return out
}

// compareWire orders two wire values. Both numeric: numeric order.
// Otherwise lexical, which is also correct for ISO dates.
func compareWire(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func matches(clauses []clause, fields map[string]string) bool {
	for _, cl := range clauses {
		got, ok := fields[cl.field]
		if !ok {
			return false
		}
		cmp := compareWire(got, cl.value)
		switch cl.op {
		case "=":
			if cmp != 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		case ">":
			if cmp <= 0 {
				return false
			}
		case ">=":
			if cmp < 0 {
				return false
			}
		}
	}
	return true
}

func billFields(b *ledgerapi.Bill) map[string]string {
	return map[string]string{
		"Id":        b.ID,
		"Balance":   b.Balance,
		"TotalAmt":  b.TotalAmt,
		"DueDate":   b.DueDate,
		"TxnDate":   b.TxnDate,
		"DocNumber": b.DocNumber,
	}
}

func invoiceFields(in *ledgerapi.Invoice) map[string]string {
	return map[string]string{
		"Id":        in.ID,
		"Balance":   in.Balance,
		"TotalAmt":  in.TotalAmt,
		"DueDate":   in.DueDate,
		"TxnDate":   in.TxnDate,
		"DocNumber": in.DocNumber,
	}
}

func queryTime() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Query endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleQueryBills(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	f := parseFilter(c.Query("query"))
	var out []ledgerapi.Bill
	for _, b := range r.bills {
		if matches(f, billFields(b)) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ledgerapi.QueryEnvelope{
		QueryResponse: ledgerapi.QueryResponse{Bill: out, StartPosition: 1, MaxResults: len(out)},
		Time:          queryTime(),
	})
}

func (s *Server) handleQueryInvoices(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	f := parseFilter(c.Query("query"))
	var out []ledgerapi.Invoice
	for _, in := range r.invoices {
		if matches(f, invoiceFields(in)) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ledgerapi.QueryEnvelope{
		QueryResponse: ledgerapi.QueryResponse{Invoice: out, StartPosition: 1, MaxResults: len(out)},
		Time:          queryTime(),
	})
}

func (s *Server) handleQueryVendors(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	var out []ledgerapi.Vendor
	for _, v := range r.vendors {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ledgerapi.QueryEnvelope{
		QueryResponse: ledgerapi.QueryResponse{Vendor: out, StartPosition: 1, MaxResults: len(out)},
		Time:          queryTime(),
	})
}

func (s *Server) handleQueryCustomers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	var out []ledgerapi.Customer
	for _, cu := range r.customers {
		out = append(out, *cu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ledgerapi.QueryEnvelope{
		QueryResponse: ledgerapi.QueryResponse{Customer: out, StartPosition: 1, MaxResults: len(out)},
		Time:          queryTime(),
	})
}

func (s *Server) handleQueryAccounts(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	var out []ledgerapi.Account
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ledgerapi.QueryEnvelope{
		QueryResponse: ledgerapi.QueryResponse{Account: out, StartPosition: 1, MaxResults: len(out)},
		Time:          queryTime(),
	})
}

func (s *Server) handleCompanyInfo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	if r.company == nil {
		writeFault(c, http.StatusNotFound, "610", "Object Not Found", "no company file seeded")
		return
	}
	c.JSON(http.StatusOK, ledgerapi.CompanyInfoEnvelope{CompanyInfo: *r.company})
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

func (s *Server) handleGetPayment(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	id := c.Param("id")
	p, ok := r.payments[id]
	if !ok {
		writeFault(c, http.StatusNotFound, "610", "Object Not Found",
			fmt.Sprintf("payment %s not found", id))
		return
	}
	c.JSON(http.StatusOK, ledgerapi.PaymentEnvelope{Payment: *p})
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var p ledgerapi.Payment
	if err := c.ShouldBindJSON(&p); err != nil {
		writeFault(c, http.StatusBadRequest, "2010", "Invalid Request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}

	// Same Request-Id, same payment. The provider dedups create replays.
	reqID := c.GetHeader("Request-Id")
	if reqID != "" {
		if id, seen := r.byRequestID[reqID]; seen {
			if prior, live := r.payments[id]; live {
				c.JSON(http.StatusOK, ledgerapi.PaymentEnvelope{Payment: *prior})
				return
			}
		}
	}

	if p.TotalAmt == "" {
		writeFault(c, http.StatusBadRequest, "6000", "Business Validation Error", "TotalAmt is required")
		return
	}
	p.ID = s.nextID("pay")
	p.SyncToken = "0"
	p.MetaData = stampNow()
	if p.TxnDate == "" {
		p.TxnDate = time.Now().UTC().Format("2006-01-02")
	}
	r.payments[p.ID] = &p
	if reqID != "" {
		r.byRequestID[reqID] = p.ID
	}
	settleLinkedBills(r, &p, -1)
	c.JSON(http.StatusOK, ledgerapi.PaymentEnvelope{Payment: p})
}

func (s *Server) handleVoidPayment(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	id := c.Param("id")
	p, ok := r.payments[id]
	if !ok {
		writeFault(c, http.StatusNotFound, "610", "Object Not Found",
			fmt.Sprintf("payment %s not found", id))
		return
	}
	// Voiding twice is a no-op; the provider returns the voided record.
	if p.PrivateNote != "Voided" {
		settleLinkedBills(r, p, 1)
		p.TotalAmt = "0.00"
		p.PrivateNote = "Voided"
		p.SyncToken = bumpSyncToken(p.SyncToken)
		p.MetaData = touched(p.MetaData)
	}
	c.JSON(http.StatusOK, ledgerapi.PaymentEnvelope{Payment: *p})
}

// settleLinkedBills moves linked bill balances by the payment's line
// amounts: sign -1 settles on create, +1 restores on void. Callers hold
// s.mu.
func settleLinkedBills(r *realm, p *ledgerapi.Payment, sign float64) {
	for _, ln := range p.Line {
		amt, err := strconv.ParseFloat(ln.Amount, 64)
		if err != nil {
			continue
		}
		for _, lt := range ln.LinkedTxn {
			if lt.TxnType != "Bill" {
				continue
			}
			b, ok := r.bills[lt.TxnID]
			if !ok {
				continue
			}
			bal, _ := strconv.ParseFloat(b.Balance, 64)
			bal += sign * amt
			if bal < 0 {
				bal = 0
			}
			total, _ := strconv.ParseFloat(b.TotalAmt, 64)
			if total > 0 && bal > total {
				bal = total
			}
			b.Balance = strconv.FormatFloat(bal, 'f', 2, 64)
			b.SyncToken = bumpSyncToken(b.SyncToken)
			b.MetaData = touched(b.MetaData)
		}
	}
}

// ---------------------------------------------------------------------------
// Bills
// ---------------------------------------------------------------------------

func (s *Server) handleUpdateBill(c *gin.Context) {
	var in ledgerapi.Bill
	if err := c.ShouldBindJSON(&in); err != nil {
		writeFault(c, http.StatusBadRequest, "2010", "Invalid Request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realmFor(c)
	if !ok {
		return
	}
	id := c.Param("id")
	b, ok := r.bills[id]
	if !ok {
		writeFault(c, http.StatusNotFound, "610", "Object Not Found",
			fmt.Sprintf("bill %s not found", id))
		return
	}
	if in.SyncToken != b.SyncToken {
		writeFault(c, http.StatusBadRequest, "5010", "Stale Object Error",
			fmt.Sprintf("SyncToken %s does not match current %s", in.SyncToken, b.SyncToken))
		return
	}

	// Full update in the provider's sense, scoped to the fields writers
	// actually send. Balance and lines stay authoritative on this side.
	if in.PrivateNote != "" {
		b.PrivateNote = in.PrivateNote
	}
	if in.DocNumber != "" {
		b.DocNumber = in.DocNumber
	}
	if in.DueDate != "" {
		b.DueDate = in.DueDate
	}
	if in.TxnDate != "" {
		b.TxnDate = in.TxnDate
	}
	b.SyncToken = bumpSyncToken(b.SyncToken)
	b.MetaData = touched(b.MetaData)
	c.JSON(http.StatusOK, ledgerapi.BillEnvelope{Bill: *b})
}
