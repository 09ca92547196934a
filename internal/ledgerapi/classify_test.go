package ledgerapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/errs"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errs.Kind
	}{
		{"unauthorized", 401, errs.TokenInvalid},
		{"throttled", 429, errs.RateLimited},
		{"server_error", 500, errs.Transient},
		{"bad_gateway", 502, errs.Transient},
		{"unavailable", 503, errs.Transient},
		{"bad_request", 400, errs.Permanent},
		{"forbidden", 403, errs.Permanent},
		{"not_found", 404, errs.Permanent},
		{"conflict", 409, errs.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("query_bills", tt.status, nil, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
			assert.Equal(t, tt.status, errs.StatusOf(err))
		})
	}
}

func TestClassifyRetryAfterSeconds(t *testing.T) {
	err := classify("query_bills", 429, nil, "7")
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.KindOf(err))
	assert.Equal(t, 7*time.Second, errs.RetryAfterOf(err))
}

func TestClassifyRetryAfterHTTPDate(t *testing.T) {
	date := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	err := classify("query_bills", 429, nil, date)
	require.Error(t, err)

	wait := errs.RetryAfterOf(err)
	assert.Greater(t, wait, 20*time.Second)
	assert.LessOrEqual(t, wait, 31*time.Second)
}

func TestClassifyRetryAfterMissing(t *testing.T) {
	err := classify("query_bills", 429, nil, "")
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.KindOf(err))
	assert.Equal(t, time.Duration(0), errs.RetryAfterOf(err))
}

func TestClassifyFaultDetail(t *testing.T) {
	body := []byte(`{"Fault":{"Error":[{"Message":"Stale Object Error","Detail":"SyncToken mismatch","code":"5010"}],"type":"ValidationFault"},"time":"2026-01-05T10:00:00Z"}`)
	err := classify("update_bill", 400, body, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stale Object Error")
	assert.Contains(t, err.Error(), "5010")
}

func TestClassifyNonJSONBodyFallsBackToRaw(t *testing.T) {
	err := classify("query_bills", 400, []byte("<html>gateway error</html>"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway error")
}
