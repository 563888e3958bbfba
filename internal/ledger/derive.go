package ledger

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Deriver turns a seed phrase into a ledger account address. It must be
// pure: the same phrase always yields the same address.
type Deriver interface {
	DeriveAddress(phrase string) (string, error)
}

// PhraseDeriver is the reference Deriver. It accepts 12 or 24 word phrases
// and derives "G" followed by the first 40 hex digits of the Keccak-256 of
// the normalised phrase, upper-cased.
type PhraseDeriver struct{}

// NormalizePhrase lower-cases the phrase and collapses whitespace.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// ValidatePhrase reports whether phrase has 12 or 24 alphabetic words.
func ValidatePhrase(phrase string) error {
	words := strings.Fields(phrase)
	if len(words) != 12 && len(words) != 24 {
		return ErrInvalidSeedPhrase
	}
	for _, w := range words {
		for _, r := range w {
			if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
				return ErrInvalidSeedPhrase
			}
		}
	}
	return nil
}

// DeriveAddress implements Deriver.
func (PhraseDeriver) DeriveAddress(phrase string) (string, error) {
	if err := ValidatePhrase(phrase); err != nil {
		return "", err
	}
	sum := crypto.Keccak256([]byte(NormalizePhrase(phrase)))
	return "G" + strings.ToUpper(hex.EncodeToString(sum)[:40]), nil
}

// Fingerprint returns a short non-reversible tag for a phrase, safe to log.
func Fingerprint(phrase string) string {
	sum := crypto.Keccak256([]byte("fp:" + NormalizePhrase(phrase)))
	return hex.EncodeToString(sum[:4])
}
