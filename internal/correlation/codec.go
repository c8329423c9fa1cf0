// Package correlation mints and resolves the client order ids that tie
// venue orders back to the sub-ledger that placed them.
//
// Current format: ACC-{account}-VP-{short}-{unix_ms}-{nnn}
// Legacy format:  VP-{short}-{unix_ms}-{nnn} (account "main")
//
// The id is a routing hint only. Table lookups are authoritative; the
// embedded identity is consulted when no mapping exists.
package correlation

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/atmx/subledger-engine/internal/model"
)

// ShortIDLen is the number of sub-ledger id characters embedded in an id.
const ShortIDLen = 6

var (
	// currentRegex matches ACC-{account}-VP-{short} with an optional tail.
	currentRegex = regexp.MustCompile(`^ACC-([^-]+)-VP-([^-]+)(?:-.*)?$`)

	// accountRegex matches any ACC-{account}- prefix, including ids minted
	// by other tools on the same account.
	accountRegex = regexp.MustCompile(`^ACC-([^-]+)-`)

	// legacyRegex matches VP-{short}-{ts}-{nonce}[-...].
	legacyRegex = regexp.MustCompile(`^VP-([^-]+)-[^-]*-[^-]*(?:-.*)?$`)
)

// Encode mints a correlation id for an order placed on behalf of the
// sub-ledger. Uniqueness is probabilistic (timestamp plus nonce).
func Encode(subLedgerID, accountID string) string {
	return encodeAt(subLedgerID, accountID, time.Now(), rand.IntN(999)+1)
}

func encodeAt(subLedgerID, accountID string, at time.Time, nonce int) string {
	return fmt.Sprintf("ACC-%s-VP-%s-%d-%03d",
		model.NormalizeAccount(accountID), shortID(subLedgerID), at.UnixMilli(), nonce)
}

// Decode returns the sub-ledger short id embedded in id. ok is false for
// ids that were not minted by this engine.
func Decode(id string) (short string, ok bool) {
	if m := currentRegex.FindStringSubmatch(id); m != nil {
		return m[2], true
	}
	if m := legacyRegex.FindStringSubmatch(id); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractAccount returns the account of any ACC-{account}- prefixed id, or
// model.DefaultAccount for the legacy format.
func ExtractAccount(id string) (string, bool) {
	if m := accountRegex.FindStringSubmatch(id); m != nil {
		return model.NormalizeAccount(m[1]), true
	}
	if legacyRegex.MatchString(id) {
		return model.DefaultAccount, true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[:ShortIDLen]
}
