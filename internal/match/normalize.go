package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// normalizeKey case-folds, strips punctuation, and collapses whitespace so
// "O'Brien & Co." and "obrien co" compare equal as composite keys. A Caser is stateful, so one is created per call rather than shared.
func normalizeKey(s string) string {
	folded := cases.Fold().String(strings.TrimSpace(s))
	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// emailDomain returns the part after the final '@', lower-cased, or "".
func emailDomain(email string) string {
	addr := normalizeEmail(email)
	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return addr[i+1:]
}

// normalizePhone keeps digits only, dropping a leading country "00" prefix,
// so "+1 (555) 010-2030" and "15550102030" compare equal.
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimPrefix(b.String(), "00")
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(normalizeKey(s)) {
		set[tok] = true
	}
	return set
}

// tokenSimilarity is the Jaccard overlap of the two names' token sets, in
// [0,1].
func tokenSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
