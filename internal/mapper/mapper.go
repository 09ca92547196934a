// Package mapper converts between the external ledger's wire shapes and
// mirror rows. Every function is pure: no IO, no clocks, no state.
//
// Amounts cross the boundary as decimal strings and live locally as integer
// cents. Inputs with more than two fractional digits round half away from
// zero; FromWireAmount reports whether rounding happened so callers can
// surface it. Dates arrive as bare dates or RFC3339 and are stored UTC.
package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/runwayly/ledgersync/internal/errs"
)

// ErrInvalidWireFormat marks payload fields the mapper cannot interpret.
var ErrInvalidWireFormat = errors.New("mapper: invalid wire format")

func invalidf(op, format string, args ...any) error {
	cause := fmt.Sprintf(format, args...)
	return errs.Wrap(errs.Validation, op, fmt.Errorf("%w: %s", ErrInvalidWireFormat, cause))
}

var hundred = decimal.NewFromInt(100)

// FromWireAmount converts a decimal amount string to integer cents. The
// bool result is false when the input carried sub-cent precision and was
// rounded. Empty strings read as zero.
func FromWireAmount(s string) (int64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false, invalidf("mapper.amount", "amount %q", s)
	}
	cents := d.Mul(hundred)
	rounded := cents.Round(0)
	bi := rounded.BigInt()
	if !bi.IsInt64() {
		return 0, false, invalidf("mapper.amount", "amount %q out of range", s)
	}
	return bi.Int64(), cents.Equal(rounded), nil
}

// ToWireAmount renders cents as a wire amount with two fractional digits.
func ToWireAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParseSyncToken reads the provider's version counter. Tokens start at "0"
// and only ever grow.
func ParseSyncToken(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, invalidf("mapper.synctoken", "sync token %q", s)
	}
	return n, nil
}

// FormatSyncToken is the inverse of ParseSyncToken.
func FormatSyncToken(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ParseWireDate accepts a bare date (2006-01-02) or an RFC3339 timestamp
// and returns the instant in UTC. Empty input reads as the zero time.
func ParseWireDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, invalidf("mapper.date", "date %q", s)
}

// FormatWireDate renders a date-only wire field. Zero times render empty so
// omitempty drops them.
func FormatWireDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func activeValue(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}
