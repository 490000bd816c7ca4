// Package account handles account identifier validation for the debt
// engine's public surface. Identifiers are opaque to the core; this package
// only keeps obviously malformed or reserved names out of the ledger.
package account

import (
	"errors"
	"fmt"
	"regexp"
)

// Vault is the engine's own account: it holds pooled collateral and the
// stablecoin in flight during burns. Callers may not operate on it.
const Vault = "engine-vault"

// idRegex matches identifiers of 1-64 word characters, dots, or dashes,
// starting with an alphanumeric. Covers UUIDs, hex addresses, and usernames.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

var (
	ErrInvalidAccount  = errors.New("account: invalid account identifier")
	ErrReservedAccount = errors.New("account: identifier is reserved")
)

// Validate rejects malformed or reserved identifiers.
func Validate(id string) error {
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, id)
	}
	if id == Vault {
		return fmt.Errorf("%w: %q", ErrReservedAccount, id)
	}
	return nil
}
