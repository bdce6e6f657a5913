package device

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes s, drops combining marks and removes whatever is
// still outside ASCII. "José" becomes "Jose", "📱 Phone" becomes " Phone".
func asciiFold(s string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return ""
	}
	return out
}

// Slugify turns s into a lowercase identifier of [a-z0-9_].
// Whitespace, '-', '_' and '.' runs become a single '_'; other punctuation
// is dropped, so "John's iPhone" becomes "johns_iphone".
func Slugify(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(asciiFold(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == '_', r == '.':
			pendingSep = true
		}
	}
	return b.String()
}
