// Package mockledger is an in-process stand-in for the external ledger
// provider. It serves the same endpoint set over deterministic
// in-memory fixtures, speaks the same envelopes and fault shapes, and
// exposes injection hooks (401s, 429s with Retry-After, token
// revocation) so failure paths can be exercised end to end. It backs
// LEDGER_ENV=mock dev runs and the integration tests.
package mockledger

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runwayly/ledgersync/internal/ledgerapi"
)

// APIPrefix mirrors the real provider's path layout. The transport's
// base URL is the mock server's URL plus this prefix.
const APIPrefix = "/v3/company"

// realm is one company file's state.
type realm struct {
	bills     map[string]*ledgerapi.Bill
	invoices  map[string]*ledgerapi.Invoice
	vendors   map[string]*ledgerapi.Vendor
	customers map[string]*ledgerapi.Customer
	accounts  map[string]*ledgerapi.Account
	payments  map[string]*ledgerapi.Payment
	company   *ledgerapi.CompanyInfo

	// byRequestID maps a payment's Request-Id marker to the payment it
	// created, so replays return the original instead of paying twice.
	byRequestID map[string]string
}

func newRealm() *realm {
	return &realm{
		bills:       make(map[string]*ledgerapi.Bill),
		invoices:    make(map[string]*ledgerapi.Invoice),
		vendors:     make(map[string]*ledgerapi.Vendor),
		customers:   make(map[string]*ledgerapi.Customer),
		accounts:    make(map[string]*ledgerapi.Account),
		payments:    make(map[string]*ledgerapi.Payment),
		byRequestID: make(map[string]string),
	}
}

// injectedFault is one queued synthetic response.
type injectedFault struct {
	status     int
	retryAfter time.Duration
}

// Server is the mock provider. It implements http.Handler.
type Server struct {
	mu           sync.Mutex
	realms       map[string]*realm
	defaultRealm string
	seq          int

	codes   map[string]bool // outstanding authorization codes
	tokens  map[string]bool // issued access + refresh tokens
	revoked map[string]bool
	queue   []injectedFault

	requests atomic.Int64

	engine *gin.Engine
}

// New creates an empty mock provider. Call Seed to add a realm with
// fixtures.
func New() *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		realms:  make(map[string]*realm),
		codes:   make(map[string]bool),
		tokens:  make(map[string]bool),
		revoked: make(map[string]bool),
	}

	engine := gin.New()
	engine.GET("/oauth/authorize", s.handleAuthorize)
	engine.POST("/oauth/token", s.handleToken)
	engine.POST("/oauth/revoke", s.handleRevoke)

	api := engine.Group(APIPrefix+"/:realm", s.gate)
	api.GET("/bills", s.handleQueryBills)
	api.GET("/invoices", s.handleQueryInvoices)
	api.GET("/vendors", s.handleQueryVendors)
	api.GET("/customers", s.handleQueryCustomers)
	api.GET("/accounts", s.handleQueryAccounts)
	api.GET("/companyinfo/:id", s.handleCompanyInfo)
	api.GET("/payments/:id", s.handleGetPayment)
	api.POST("/payments", s.handleCreatePayment)
	api.POST("/payments/:id/void", s.handleVoidPayment)
	api.PUT("/bills/:id", s.handleUpdateBill)

	s.engine = engine
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Test hooks
// ---------------------------------------------------------------------------

// FailNext queues one synthetic response with the given status for the
// next API request. Queued faults fire in order, before auth checks.
func (s *Server) FailNext(status int) {
	s.mu.Lock()
	s.queue = append(s.queue, injectedFault{status: status})
	s.mu.Unlock()
}

// ThrottleNext queues one 429 carrying the given Retry-After hint.
func (s *Server) ThrottleNext(retryAfter time.Duration) {
	s.mu.Lock()
	s.queue = append(s.queue, injectedFault{
		status:     http.StatusTooManyRequests,
		retryAfter: retryAfter,
	})
	s.mu.Unlock()
}

// RevokeToken makes the given bearer token fail with 401 from now on.
// Refreshing through the token endpoint issues a fresh, valid one.
func (s *Server) RevokeToken(tok string) {
	s.mu.Lock()
	s.revoked[tok] = true
	s.mu.Unlock()
}

// RequestCount returns how many API requests the mock has seen. OAuth
// endpoints do not count.
func (s *Server) RequestCount() int64 {
	return s.requests.Load()
}

// ResetRequestCount zeroes the API request counter.
func (s *Server) ResetRequestCount() {
	s.requests.Store(0)
}

// Bill returns a copy of the stored bill, for assertions.
func (s *Server) Bill(realmID, id string) (ledgerapi.Bill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realms[realmID]
	if !ok {
		return ledgerapi.Bill{}, false
	}
	b, ok := r.bills[id]
	if !ok {
		return ledgerapi.Bill{}, false
	}
	return *b, true
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// gate runs before every API handler: counts the request, pops any
// injected fault, and enforces bearer auth.
func (s *Server) gate(c *gin.Context) {
	s.requests.Add(1)

	s.mu.Lock()
	var injected *injectedFault
	if len(s.queue) > 0 {
		f := s.queue[0]
		s.queue = s.queue[1:]
		injected = &f
	}
	s.mu.Unlock()

	if injected != nil {
		if injected.retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(injected.retryAfter/time.Second)))
		}
		writeFault(c, injected.status, "3200", "message=Injected fault", "synthetic response for testing")
		return
	}

	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		writeFault(c, http.StatusUnauthorized, "3200", "message=AuthenticationFailed", "missing bearer token")
		return
	}
	tok := auth[len(prefix):]

	s.mu.Lock()
	dead := s.revoked[tok]
	s.mu.Unlock()
	if dead {
		writeFault(c, http.StatusUnauthorized, "3200", "message=AuthenticationFailed", "token revoked or expired")
		return
	}

	c.Next()
}

// realmFor resolves the :realm path param. Callers hold s.mu.
func (s *Server) realmFor(c *gin.Context) (*realm, bool) {
	id := c.Param("realm")
	r, ok := s.realms[id]
	if !ok {
		writeFault(c, http.StatusBadRequest, "6000", "message=Invalid Realm", fmt.Sprintf("realm %s does not exist", id))
		return nil, false
	}
	return r, true
}

func (s *Server) nextID(kind string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", kind, s.seq)
}

func writeFault(c *gin.Context, status int, code, msg, detail string) {
	var f ledgerapi.Fault
	f.Fault.Type = faultType(status)
	f.Fault.Error = []ledgerapi.FaultError{{
		Message: msg,
		Detail:  detail,
		Code:    code,
	}}
	f.Time = time.Now().UTC().Format(time.RFC3339)
	c.AbortWithStatusJSON(status, f)
}

func faultType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "AUTHENTICATION"
	case status == http.StatusTooManyRequests:
		return "THROTTLING"
	case status >= 500:
		return "SystemFault"
	default:
		return "ValidationFault"
	}
}

// bumpSyncToken increments the provider's per-entity version counter.
func bumpSyncToken(tok string) string {
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatInt(n+1, 10)
}

func stampNow() *ledgerapi.MetaData {
	now := time.Now().UTC().Format(time.RFC3339)
	return &ledgerapi.MetaData{CreateTime: now, LastUpdatedTime: now}
}

func touched(md *ledgerapi.MetaData) *ledgerapi.MetaData {
	created := ""
	if md != nil {
		created = md.CreateTime
	}
	return &ledgerapi.MetaData{
		CreateTime:      created,
		LastUpdatedTime: time.Now().UTC().Format(time.RFC3339),
	}
}
