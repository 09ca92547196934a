package ledgerapi

import (
	"context"
	"net/http"
	"net/url"
)

// Client is the typed surface over the transport. One method per consumed
// endpoint; callers never build paths or touch HTTP themselves.
type Client struct {
	transport *Transport
}

func NewClient(t *Transport) *Client {
	return &Client{transport: t}
}

// Stop releases transport resources.
func (c *Client) Stop() {
	c.transport.Stop()
}

func (c *Client) query(ctx context.Context, sess Session, op, entity, filter string) (*QueryResponse, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("query", filter)
	}
	var env QueryEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   "/" + url.PathEscape(sess.RealmID) + "/" + entity,
		Query:  q,
		Fetch:  true,
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.QueryResponse, nil
}

// QueryBills fetches bills matching a SQL-like filter, e.g.
// "SELECT * FROM Bill WHERE Balance > '0'".
func (c *Client) QueryBills(ctx context.Context, sess Session, filter string) ([]Bill, error) {
	resp, err := c.query(ctx, sess, "query_bills", "bills", filter)
	if err != nil {
		return nil, err
	}
	return resp.Bill, nil
}

func (c *Client) QueryInvoices(ctx context.Context, sess Session, filter string) ([]Invoice, error) {
	resp, err := c.query(ctx, sess, "query_invoices", "invoices", filter)
	if err != nil {
		return nil, err
	}
	return resp.Invoice, nil
}

func (c *Client) QueryVendors(ctx context.Context, sess Session, filter string) ([]Vendor, error) {
	resp, err := c.query(ctx, sess, "query_vendors", "vendors", filter)
	if err != nil {
		return nil, err
	}
	return resp.Vendor, nil
}

func (c *Client) QueryCustomers(ctx context.Context, sess Session, filter string) ([]Customer, error) {
	resp, err := c.query(ctx, sess, "query_customers", "customers", filter)
	if err != nil {
		return nil, err
	}
	return resp.Customer, nil
}

func (c *Client) QueryAccounts(ctx context.Context, sess Session, filter string) ([]Account, error) {
	resp, err := c.query(ctx, sess, "query_accounts", "accounts", filter)
	if err != nil {
		return nil, err
	}
	return resp.Account, nil
}

// GetCompanyInfo fetches the realm's company file.
func (c *Client) GetCompanyInfo(ctx context.Context, sess Session) (*CompanyInfo, error) {
	realm := url.PathEscape(sess.RealmID)
	var env CompanyInfoEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     "get_company_info",
		Method: http.MethodGet,
		Path:   "/" + realm + "/companyinfo/" + realm,
		Fetch:  true,
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.CompanyInfo, nil
}

// GetPayment fetches a single payment by its external id.
func (c *Client) GetPayment(ctx context.Context, sess Session, id string) (*Payment, error) {
	var env PaymentEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     "get_payment",
		Method: http.MethodGet,
		Path:   "/" + url.PathEscape(sess.RealmID) + "/payments/" + url.PathEscape(id),
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.Payment, nil
}

// CreatePayment records a payment. requestID is the caller's idempotency
// marker and travels as the Request-Id header so the provider can dedupe
// replays on its side too.
func (c *Client) CreatePayment(ctx context.Context, sess Session, p Payment, requestID string) (*Payment, error) {
	hdr := http.Header{}
	if requestID != "" {
		hdr.Set("Request-Id", requestID)
	}
	var env PaymentEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     "create_payment",
		Method: http.MethodPost,
		Path:   "/" + url.PathEscape(sess.RealmID) + "/payments",
		Body:   p,
		Header: hdr,
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.Payment, nil
}

// VoidPayment voids a previously created payment.
func (c *Client) VoidPayment(ctx context.Context, sess Session, id string) (*Payment, error) {
	var env PaymentEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     "void_payment",
		Method: http.MethodPost,
		Path:   "/" + url.PathEscape(sess.RealmID) + "/payments/" + url.PathEscape(id) + "/void",
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.Payment, nil
}

// UpdateBill performs a full update of a bill (approval flips happen this
// way). The bill must carry the current SyncToken or the provider rejects
// the write.
func (c *Client) UpdateBill(ctx context.Context, sess Session, b Bill) (*Bill, error) {
	var env BillEnvelope
	err := c.transport.Do(ctx, sess, Request{
		Op:     "update_bill",
		Method: http.MethodPut,
		Path:   "/" + url.PathEscape(sess.RealmID) + "/bills/" + url.PathEscape(b.ID),
		Body:   b,
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env.Bill, nil
}
