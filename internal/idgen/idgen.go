// Package idgen generates sortable identifiers for queued transactions and
// decision log entries.
package idgen

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a lowercase ULID. ULIDs sort by creation time, which keeps
// bbolt keys and log lines in proposal order.
func New() string {
	return strings.ToLower(ulid.Make().String())
}

// WithPrefix returns prefix + New(), e.g. "tx_01j9...".
func WithPrefix(prefix string) string {
	return prefix + New()
}

// At returns an id whose time component is t. Used when importing records
// that already carry a creation time.
func At(prefix string, t time.Time) string {
	return prefix + strings.ToLower(ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String())
}

// Time extracts the creation time from an id produced by this package.
// ok is false for foreign ids.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	u, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
