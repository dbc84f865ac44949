// Package normalize canonicalizes user-supplied phone numbers and IMEIs
// into the variant sets under which they may appear in raw CDR rows.
package normalize

import (
	"strings"
)

// Kind tags the identifier family an Identifier was derived from.
type Kind string

const (
	KindPhone Kind = "phone"
	KindIMEI  Kind = "imei"
)

// Identifier is a canonical identifier plus the textual variants that may
// match it in stored records. Derived, never persisted.
type Identifier struct {
	Canonical string
	Kind      Kind
	Variants  []string
}

// IsEmpty reports whether the identifier carries no usable variants,
// meaning no match is possible for it.
func (id Identifier) IsEmpty() bool {
	return len(id.Variants) == 0
}

// Phone normalizes a raw phone number against the given country dial code.
// The canonical form always carries the dial code prefix; variants cover
// the sanitized raw digits and the local form without the prefix.
func Phone(raw, dialCode string) Identifier {
	digits := digitsOnly(stripPrefixes(raw))
	if digits == "" {
		return Identifier{Kind: KindPhone}
	}

	var canonical string
	if strings.HasPrefix(digits, dialCode) {
		canonical = digits
	} else {
		canonical = dialCode + strings.TrimLeft(digits, "0")
	}

	variants := uniqueNonEmpty(
		digits,
		canonical,
		strings.TrimPrefix(canonical, dialCode),
	)
	return Identifier{Canonical: canonical, Kind: KindPhone, Variants: variants}
}

// IMEI normalizes a raw IMEI. Bodies of at least 14 digits yield both the
// 14-digit body and the body with its Luhn check digit; shorter bodies are
// returned as-is with no check digit appended.
func IMEI(raw string) Identifier {
	trimmed := strings.TrimSpace(raw)
	digits := digitsOnly(trimmed)
	if digits == "" {
		return Identifier{Kind: KindIMEI}
	}

	if len(digits) < 14 {
		return Identifier{Canonical: digits, Kind: KindIMEI, Variants: uniqueNonEmpty(digits, trimmed)}
	}

	body := digits[:14]
	canonical := body + string(rune('0'+CheckDigit(body)))
	variants := uniqueNonEmpty(body, canonical, trimmed, digits)
	return Identifier{Canonical: canonical, Kind: KindIMEI, Variants: variants}
}

// CheckDigit computes the Luhn check digit over a 14-digit IMEI body:
// every second digit from the rightmost is doubled, digit sums are added,
// and the check digit is (10 - sum mod 10) mod 10.
func CheckDigit(body string) int {
	sum := 0
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		// positions counted from the right of the body, rightmost is doubled
		if (len(body)-1-i)%2 == 0 {
			d *= 2
			if d > 9 {
				d = d/10 + d%10
			}
		}
		sum += d
	}
	return (10 - sum%10) % 10
}

// FromString dispatches on the kind tag.
func FromString(raw string, kind Kind, dialCode string) Identifier {
	if kind == KindIMEI {
		return IMEI(raw)
	}
	return Phone(raw, dialCode)
}

// Matches reports whether a stored value refers to this identifier.
// Exact variant match is tried first; failing that, variants are
// re-derived from the stored value and intersected, which handles rows
// persisted in either normalized or raw form.
func (id Identifier) Matches(stored string) bool {
	stored = strings.TrimSpace(stored)
	if stored == "" || id.IsEmpty() {
		return false
	}
	for _, v := range id.Variants {
		if v == stored {
			return true
		}
	}

	var derived Identifier
	if id.Kind == KindIMEI {
		derived = IMEI(stored)
	} else {
		// re-derive with the canonical's own prefix so local forms line up
		derived = Phone(stored, dialCodeOf(id))
	}
	for _, dv := range derived.Variants {
		for _, v := range id.Variants {
			if dv == v {
				return true
			}
		}
	}
	return false
}

// dialCodeOf recovers the dial code a phone identifier was normalized
// with, by peeling the local variant off the canonical form.
func dialCodeOf(id Identifier) string {
	for _, v := range id.Variants {
		if v != id.Canonical && strings.HasSuffix(id.Canonical, v) {
			return strings.TrimSuffix(id.Canonical, v)
		}
	}
	return ""
}

// stripPrefixes removes whitespace, a leading "+" and repeated leading
// "00" international escapes.
func stripPrefixes(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	for strings.HasPrefix(s, "00") {
		s = s[2:]
	}
	return s
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
