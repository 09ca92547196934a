package ledgerapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
)

// classify maps a non-2xx provider response to the error taxonomy. The
// transport only classifies; retry decisions belong to the orchestrator.
//
//	401            → token-invalid (the transport's single forced-refresh
//	                 reissue happens before this surfaces)
//	429            → rate-limited, carrying any Retry-After hint
//	5xx            → transient
//	other 4xx      → permanent
func classify(op string, status int, body []byte, retryAfter string) error {
	detail := faultDetail(body)

	switch {
	case status == http.StatusUnauthorized:
		return &errs.Error{
			Kind:   errs.TokenInvalid,
			Op:     op,
			Status: status,
			Err:    fmt.Errorf("access token rejected: %s", detail),
		}
	case status == http.StatusTooManyRequests:
		return &errs.Error{
			Kind:       errs.RateLimited,
			Op:         op,
			Status:     status,
			RetryAfter: parseRetryAfter(retryAfter),
			Err:        fmt.Errorf("provider quota exhausted: %s", detail),
		}
	case status >= 500:
		return &errs.Error{
			Kind:   errs.Transient,
			Op:     op,
			Status: status,
			Err:    fmt.Errorf("provider error %d: %s", status, detail),
		}
	default:
		return &errs.Error{
			Kind:   errs.Permanent,
			Op:     op,
			Status: status,
			Err:    fmt.Errorf("provider rejected request with %d: %s", status, detail),
		}
	}
}

// parseRetryAfter handles both forms the header may take: delta-seconds and
// an HTTP date. Unparseable values yield zero, meaning "no hint".
func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// faultDetail extracts a human-readable message from a provider fault body.
// Bodies that are not fault-shaped are summarized raw.
func faultDetail(body []byte) string {
	if len(body) == 0 {
		return "no response body"
	}
	var f Fault
	if err := json.Unmarshal(body, &f); err == nil && len(f.Fault.Error) > 0 {
		e := f.Fault.Error[0]
		var parts []string
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		if e.Detail != "" && e.Detail != e.Message {
			parts = append(parts, e.Detail)
		}
		if len(parts) > 0 {
			s := strings.Join(parts, ": ")
			if e.Code != "" {
				s += fmt.Sprintf(" (code %s)", e.Code)
			}
			return s
		}
	}
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
