// Package limits implements the triggered-limits cache: the local,
// best-effort mirror of server-side usage limits that lets a Tracker warn
// or block callers without waiting on a round trip for every record.
package limits

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ThresholdType distinguishes an informational limit from an enforced one.
type ThresholdType string

const (
	ThresholdWarning ThresholdType = "WARNING"
	ThresholdLimit   ThresholdType = "LIMIT"
)

// TriggeredLimit is a single cached limit entry. ServiceKey and CustomerKey
// are wildcards when empty; APIKeyID is always required and never treated
// as a wildcard. Hostname is carried along but Matches does not consult it.
type TriggeredLimit struct {
	LimitID       string
	ThresholdType ThresholdType
	Amount        float64
	Period        string
	APIKeyID      string
	ServiceKey    string
	CustomerKey   string
	ConfigIDList  []string
	Hostname      string
	ExpiresAt     time.Time
}

// Matches reports whether l applies to a record carrying the given
// effective scoping fields. Per the matching invariant, every non-empty
// scoping field on l must equal the corresponding record field; empty
// fields on l act as wildcards.
func (l TriggeredLimit) Matches(apiKeyID, serviceKey, customerKey string) bool {
	if l.APIKeyID != apiKeyID {
		return false
	}
	if l.ServiceKey != "" && l.ServiceKey != serviceKey {
		return false
	}
	if l.CustomerKey != "" && l.CustomerKey != customerKey {
		return false
	}
	if !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}

// DeriveAPIKeyID produces the stable, non-reversible label used to index
// and match limits for a resolved API_KEY. The Tracker checks a record
// under this id when the record carries no APIKeyID of its own, so the raw
// key itself is never logged or used directly as a cache label.
func DeriveAPIKeyID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:16]
}
