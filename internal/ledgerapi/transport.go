package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runwayly/ledgersync/internal/circuitbreaker"
	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/traces"
)

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// TokenSource supplies bearer tokens for a tenant. Implemented by the
// credential store; declared here so the transport stays decoupled from it.
type TokenSource interface {
	// GetValidToken returns a token guaranteed valid past the refresh skew.
	GetValidToken(ctx context.Context, tenantID string) (string, error)
	// ForceRefresh discards the cached token and refreshes immediately.
	// Used on the transport's single 401 reissue.
	ForceRefresh(ctx context.Context, tenantID string) (string, error)
}

// Session identifies who a call executes for and how urgently.
type Session struct {
	TenantID string
	RealmID  string
	Priority ratelimit.Priority
}

// Request is one outbound call description. Client methods build these; Do
// is the only function that turns them into HTTP.
type Request struct {
	Op     string // stable operation name for metrics and error attribution
	Method string
	Path   string // relative to the base URL, realm already interpolated
	Query  url.Values
	Body   any         // JSON-marshaled when non-nil
	Header http.Header // extra headers, e.g. the payment Request-Id marker
	Fetch  bool        // data-retrieval class; uses the longer timeout
}

// TransportConfig carries the knobs for the outbound path.
type TransportConfig struct {
	BaseURL           string
	MinorVersion      string
	GlobalRPM         int
	TenantRPM         int
	ReadTimeout       time.Duration
	FetchTimeout      time.Duration
	BreakerThreshold  int
	BreakerOpenPeriod time.Duration
	HTTPClient        *http.Client // optional; timeouts come from contexts
}

// Transport is the single outbound HTTP path to the external ledger. It
// serializes budget acquisition (global bucket first, then the tenant's),
// attaches credentials, and classifies every response. It never retries on
// its own except the one forced-refresh reissue after a 401, which is a
// credentials concern rather than retry policy.
type Transport struct {
	base         string
	minorVersion string
	client       *http.Client
	tokens       TokenSource
	global       *ratelimit.Bucket
	perTenant    *ratelimit.BucketSet
	breaker      *circuitbreaker.Breaker
	readTimeout  time.Duration
	fetchTimeout time.Duration
}

// NewTransport wires the outbound path. The base URL must not end with a
// slash; paths begin with one.
func NewTransport(cfg TransportConfig, tokens TokenSource) *Transport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 60 * time.Second
	}
	return &Transport{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		minorVersion: cfg.MinorVersion,
		client:       client,
		tokens:       tokens,
		global:       ratelimit.NewBucket("global", cfg.GlobalRPM, 0),
		perTenant:    ratelimit.NewBucketSet("tenant", cfg.TenantRPM, 0),
		breaker:      circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenPeriod),
		readTimeout:  readTimeout,
		fetchTimeout: fetchTimeout,
	}
}

// Stop releases the per-tenant bucket janitor.
func (t *Transport) Stop() {
	t.perTenant.Stop()
}

// response is one completed round trip before classification.
type response struct {
	status     int
	body       []byte
	retryAfter string
}

// Do executes one call and decodes a 2xx JSON body into out (skipped when
// out is nil). Errors are always classified (*errs.Error).
func (t *Transport) Do(ctx context.Context, sess Session, req Request, out any) error {
	if sess.TenantID == "" || sess.RealmID == "" {
		return errs.Errorf(errs.InvariantViolation, "%s: session missing tenant or realm", req.Op)
	}

	ctx, span := traces.StartSpan(ctx, "ledgerapi."+req.Op,
		traces.TenantID(sess.TenantID), traces.RealmID(sess.RealmID))
	defer span.End()

	if !t.breaker.Allow(sess.RealmID) {
		metrics.TransportRequestsTotal.WithLabelValues(req.Op, string(errs.Transient)).Inc()
		return errs.Wrap(errs.Transient, req.Op, circuitbreaker.ErrOpen)
	}

	// Global budget first so one tenant's queue cannot hold shared permits.
	if err := t.global.Acquire(ctx, sess.Priority); err != nil {
		return errs.Wrap(errs.Cancelled, req.Op, err)
	}
	if err := t.perTenant.Acquire(ctx, sess.TenantID, sess.Priority); err != nil {
		return errs.Wrap(errs.Cancelled, req.Op, err)
	}

	token, err := t.tokens.GetValidToken(ctx, sess.TenantID)
	if err != nil {
		return err
	}

	resp, err := t.issue(ctx, sess, req, token)
	if err != nil {
		return err
	}

	// One forced-refresh reissue on 401; a second 401 means the credentials
	// are gone for good and the tenant must reconnect.
	if resp.status == http.StatusUnauthorized {
		logging.L(ctx).Warn("ledger rejected token, forcing refresh",
			"operation", req.Op, "tenant_id", sess.TenantID)
		token, err = t.tokens.ForceRefresh(ctx, sess.TenantID)
		if err != nil {
			return err
		}
		resp, err = t.issue(ctx, sess, req, token)
		if err != nil {
			return err
		}
	}

	if resp.status < 200 || resp.status >= 300 {
		cerr := classify(req.Op, resp.status, resp.body, resp.retryAfter)
		kind := errs.KindOf(cerr)
		if kind == errs.Transient {
			t.breaker.RecordFailure(sess.RealmID)
		}
		metrics.TransportRequestsTotal.WithLabelValues(req.Op, string(kind)).Inc()
		return cerr
	}

	t.breaker.RecordSuccess(sess.RealmID)
	metrics.TransportRequestsTotal.WithLabelValues(req.Op, "ok").Inc()

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return errs.Wrap(errs.Validation, req.Op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// issue performs exactly one HTTP round trip. Network failures are mapped to
// cancelled or transient; HTTP statuses come back unclassified so the 401
// reissue can happen in Do.
func (t *Transport) issue(ctx context.Context, sess Session, req Request, token string) (response, error) {
	timeout := t.readTimeout
	if req.Fetch {
		timeout = t.fetchTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return response{}, errs.Wrap(errs.Validation, req.Op, fmt.Errorf("marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(raw)
	}

	u := t.base + req.Path
	q := url.Values{}
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if t.minorVersion != "" {
		q.Set("minorversion", t.minorVersion)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, u, bodyReader)
	if err != nil {
		return response{}, errs.Wrap(errs.Permanent, req.Op, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	timer := prometheus.NewTimer(metrics.TransportRequestDuration.WithLabelValues(req.Op))
	resp, err := t.client.Do(httpReq)
	timer.ObserveDuration()
	if err != nil {
		// The caller's cancellation is not an upstream failure.
		if ctx.Err() != nil {
			return response{}, errs.Wrap(errs.Cancelled, req.Op, ctx.Err())
		}
		t.breaker.RecordFailure(sess.RealmID)
		metrics.TransportRequestsTotal.WithLabelValues(req.Op, string(errs.Transient)).Inc()
		return response{}, errs.Wrap(errs.Transient, req.Op, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		if ctx.Err() != nil {
			return response{}, errs.Wrap(errs.Cancelled, req.Op, ctx.Err())
		}
		t.breaker.RecordFailure(sess.RealmID)
		return response{}, errs.Wrap(errs.Transient, req.Op, fmt.Errorf("read response: %w", err))
	}

	return response{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}
