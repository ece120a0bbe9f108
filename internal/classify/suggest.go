package classify

import (
	"strings"
	"unicode"
)

// adKeywords is the vocabulary that marks a transcript as likely
// advertising on French radio.
var adKeywords = []string{
	"promotion",
	"promo",
	"offre",
	"réduction",
	"remise",
	"gratuit",
	"gratuite",
	"soldes",
	"profitez",
	"découvrez",
	"commandez",
	"appelez",
	"magasin",
	"magasins",
	"achetez",
	"euros seulement",
	"conditions en magasin",
	"www",
	"point fr",
}

// suggestThreshold is how many keyword hits a transcript needs before a
// suggestion is made.
const suggestThreshold = 2

// Suggestion is an advisory category proposal shown next to a block. It is
// never auto-applied; the operator always decides.
type Suggestion struct {
	Category string
	Keywords []string
}

// Suggest scores a transcript against the ad vocabulary and proposes
// "Publicité" when enough keywords match.
func Suggest(text string) (Suggestion, bool) {
	normalized := normalizeText(text)
	if normalized == "" {
		return Suggestion{}, false
	}

	var hits []string
	for _, kw := range adKeywords {
		if strings.Contains(normalized, kw) {
			hits = append(hits, kw)
		}
	}
	if len(hits) < suggestThreshold {
		return Suggestion{}, false
	}
	return Suggestion{Category: "Publicité", Keywords: hits}, true
}

// normalizeText lowercases and collapses everything that is not a letter
// or digit into single spaces.
func normalizeText(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			sb.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(sb.String())
}
