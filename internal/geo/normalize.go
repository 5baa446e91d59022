package geo

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KeyPrefix marks a submarket-level geography key.
const KeyPrefix = "submarket:"

// ParcelPrefix marks a parcel-level geography key.
const ParcelPrefix = "parcel:"

// NormalizeKey turns a submarket name into its canonical geography key:
// diacritics stripped, case folded, punctuation other than '-' and '/'
// collapsed to single spaces, and prefixed with "submarket:". An already
// normalized key is returned unchanged.
func NormalizeKey(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), KeyPrefix)
	if name == "" {
		return ""
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '/':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return KeyPrefix + b.String()
}

// ParcelKey returns the geography key for a permit parcel.
func ParcelKey(id string) string {
	return ParcelPrefix + strings.ToUpper(strings.TrimSpace(id))
}

// IsParcel reports whether key is parcel-level.
func IsParcel(key string) bool {
	return strings.HasPrefix(key, ParcelPrefix)
}
