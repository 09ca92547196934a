package ledgerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/ratelimit"
)

// fakeTokens is an in-memory TokenSource for transport tests.
type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	getErr    error
}

func (f *fakeTokens) GetValidToken(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token = "refreshed-token"
	return f.token, nil
}

func testSession() Session {
	return Session{TenantID: "tn_1", RealmID: "9130001", Priority: ratelimit.Medium}
}

func newTestTransport(t *testing.T, baseURL string, tokens TokenSource) *Transport {
	t.Helper()
	tr := NewTransport(TransportConfig{
		BaseURL:           baseURL,
		MinorVersion:      "65",
		GlobalRPM:         0, // unlimited in tests
		TenantRPM:         0,
		BreakerThreshold:  5,
		BreakerOpenPeriod: 30 * time.Second,
	}, tokens)
	t.Cleanup(tr.Stop)
	return tr
}

func TestDoSuccess(t *testing.T) {
	var gotAuth, gotAccept, gotMinor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotMinor = r.URL.Query().Get("minorversion")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(QueryEnvelope{
			QueryResponse: QueryResponse{Bill: []Bill{{ID: "B1", SyncToken: "0", TotalAmt: "100.00"}}},
		})
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "tok-abc"}
	tr := newTestTransport(t, server.URL, tokens)

	var env QueryEnvelope
	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
		Fetch:  true,
	}, &env)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "65", gotMinor)
	require.Len(t, env.QueryResponse.Bill, 1)
	assert.Equal(t, "B1", env.QueryResponse.Bill[0].ID)
}

func TestDoRefreshesOnceOn401(t *testing.T) {
	var hits int
	var tokens []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		tokens = append(tokens, r.Header.Get("Authorization"))
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(BillEnvelope{Bill: Bill{ID: "B1"}})
	}))
	defer server.Close()

	ts := &fakeTokens{token: "stale-token"}
	tr := newTestTransport(t, server.URL, ts)

	var env BillEnvelope
	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "update_bill",
		Method: http.MethodGet,
		Path:   "/9130001/bills/B1",
	}, &env)
	require.NoError(t, err)

	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, ts.refreshes)
	assert.Equal(t, "Bearer stale-token", tokens[0])
	assert.Equal(t, "Bearer refreshed-token", tokens[1])
	assert.Equal(t, "B1", env.Bill.ID)
}

func TestDoSecond401SurfacesTokenInvalid(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ts := &fakeTokens{token: "bad"}
	tr := newTestTransport(t, server.URL, ts)

	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.TokenInvalid, errs.KindOf(err))
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, ts.refreshes, "exactly one forced refresh, never a loop")
}

func TestDoRateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "9")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL, &fakeTokens{token: "tok"})

	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.KindOf(err))
	assert.Equal(t, 9*time.Second, errs.RetryAfterOf(err))
}

func TestDoServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL, &fakeTokens{token: "tok"})

	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, errs.StatusOf(err))
}

func TestDoBreakerShortCircuits(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewTransport(TransportConfig{
		BaseURL:           server.URL,
		BreakerThreshold:  2,
		BreakerOpenPeriod: time.Minute,
	}, &fakeTokens{token: "tok"})
	t.Cleanup(tr.Stop)

	req := Request{Op: "query_bills", Method: http.MethodGet, Path: "/9130001/bills"}
	sess := testSession()

	for i := 0; i < 2; i++ {
		err := tr.Do(context.Background(), sess, req, nil)
		require.Error(t, err)
		assert.Equal(t, errs.Transient, errs.KindOf(err))
	}
	require.Equal(t, 2, hits)

	// Circuit is open now: the next call never reaches the wire.
	err := tr.Do(context.Background(), sess, req, nil)
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
	assert.Equal(t, 2, hits, "open circuit must not issue requests")
}

func TestDoRejectsIncompleteSession(t *testing.T) {
	tr := newTestTransport(t, "http://localhost:0", &fakeTokens{token: "tok"})

	err := tr.Do(context.Background(), Session{TenantID: "tn_1"}, Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/bills",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvariantViolation, errs.KindOf(err))
}

func TestDoDecodeFailureIsValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL, &fakeTokens{token: "tok"})

	var env QueryEnvelope
	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
	}, &env)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestDoTokenSourceFailurePassesThrough(t *testing.T) {
	wantErr := errs.Errorf(errs.CredentialsUnavailable, "credstore.token: tenant disconnected")
	tr := newTestTransport(t, "http://localhost:0", &fakeTokens{getErr: wantErr})

	err := tr.Do(context.Background(), testSession(), Request{
		Op:     "query_bills",
		Method: http.MethodGet,
		Path:   "/9130001/bills",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CredentialsUnavailable, errs.KindOf(err))
}

func TestClientQueryBills(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		json.NewEncoder(w).Encode(QueryEnvelope{
			QueryResponse: QueryResponse{
				Bill: []Bill{
					{ID: "B1", SyncToken: "0", TotalAmt: "100.00", DueDate: "2026-02-01"},
					{ID: "B2", SyncToken: "3", TotalAmt: "55.25", DueDate: "2026-02-10"},
				},
				StartPosition: 1,
				MaxResults:    2,
			},
		})
	}))
	defer server.Close()

	client := NewClient(newTestTransport(t, server.URL, &fakeTokens{token: "tok"}))

	bills, err := client.QueryBills(context.Background(), testSession(), "SELECT * FROM Bill WHERE Balance > '0'")
	require.NoError(t, err)

	assert.Equal(t, "/9130001/bills", gotPath)
	assert.Equal(t, "SELECT * FROM Bill WHERE Balance > '0'", gotQuery)
	require.Len(t, bills, 2)
	assert.Equal(t, "B1", bills[0].ID)
	assert.Equal(t, "100.00", bills[0].TotalAmt)
}

func TestClientGetCompanyInfoPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(CompanyInfoEnvelope{
			CompanyInfo: CompanyInfo{ID: "1", CompanyName: "Acme Plumbing"},
		})
	}))
	defer server.Close()

	client := NewClient(newTestTransport(t, server.URL, &fakeTokens{token: "tok"}))

	info, err := client.GetCompanyInfo(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, "/9130001/companyinfo/9130001", gotPath)
	assert.Equal(t, "Acme Plumbing", info.CompanyName)
}

func TestClientCreatePaymentSendsRequestID(t *testing.T) {
	var gotRequestID, gotMethod, gotPath string
	var gotBody Payment
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get("Request-Id")
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(PaymentEnvelope{
			Payment: Payment{ID: "P900", SyncToken: "0", TotalAmt: gotBody.TotalAmt},
		})
	}))
	defer server.Close()

	client := NewClient(newTestTransport(t, server.URL, &fakeTokens{token: "tok"}))

	created, err := client.CreatePayment(context.Background(), testSession(), Payment{
		TotalAmt:  "250.00",
		VendorRef: &Ref{Value: "V1"},
	}, "req_abc123")
	require.NoError(t, err)

	assert.Equal(t, "req_abc123", gotRequestID)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/9130001/payments", gotPath)
	assert.Equal(t, "250.00", gotBody.TotalAmt)
	assert.Equal(t, "P900", created.ID)
}

func TestClientVoidPaymentPath(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewEncoder(w).Encode(PaymentEnvelope{Payment: Payment{ID: "P900", PrivateNote: "Voided"}})
	}))
	defer server.Close()

	client := NewClient(newTestTransport(t, server.URL, &fakeTokens{token: "tok"}))

	voided, err := client.VoidPayment(context.Background(), testSession(), "P900")
	require.NoError(t, err)
	assert.Equal(t, "/9130001/payments/P900/void", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Voided", voided.PrivateNote)
}

func TestClientUpdateBillUsesPut(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody Bill
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(BillEnvelope{Bill: Bill{ID: gotBody.ID, SyncToken: "4"}})
	}))
	defer server.Close()

	client := NewClient(newTestTransport(t, server.URL, &fakeTokens{token: "tok"}))

	updated, err := client.UpdateBill(context.Background(), testSession(), Bill{ID: "B7", SyncToken: "3", PrivateNote: "approved"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/9130001/bills/B7", gotPath)
	assert.Equal(t, "4", updated.SyncToken)
}
