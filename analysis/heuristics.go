package analysis

import (
	"math"
	"strings"
	"unicode"

	"github.com/goliatone/go-alignment/core"
)

const (
	ScoreMessageMatch = "message_match"
	ScoreCTAMatch     = "cta_match"
	ScoreOfferMatch   = "offer_match"
)

const (
	FindingAnalysisUnavailable = "analysis_unavailable"
	FindingMissingH1           = "missing_h1"
	FindingNoCTA               = "no_cta_on_page"
	FindingCTAMismatch         = "cta_mismatch"
	FindingOfferNotFound       = "offer_not_found"
	FindingWeakMessageMatch    = "weak_message_match"
)

var stopWords = map[string]struct{}{
	"and": {}, "the": {}, "for": {}, "with": {}, "you": {}, "your": {},
	"our": {}, "now": {}, "off": {}, "from": {}, "this": {}, "that": {},
}

// Heuristics scores ad/page agreement from text overlap only. It needs no
// network and always succeeds.
func Heuristics(ad core.AdContent, page core.PageSnapshot) core.AnalysisResult {
	result := core.AnalysisResult{Scores: map[string]float64{}}
	pageText := strings.Join(append([]string{page.Title}, page.H1...), " ")
	pageTokens := tokenSet(pageText)

	if len(page.H1) == 0 {
		result.Findings = append(result.Findings, core.Finding{
			Code: FindingMissingH1, Severity: "warning", Message: "landing page has no h1 heading",
		})
	}

	adTerms := tokens(strings.Join(append([]string{ad.Headline}, ad.Keywords...), " "))
	if len(adTerms) > 0 {
		score := coverage(adTerms, pageTokens)
		result.Scores[ScoreMessageMatch] = score
		if score < 50 {
			result.Findings = append(result.Findings, core.Finding{
				Code: FindingWeakMessageMatch, Severity: "warning", Message: "ad headline and keywords are mostly absent from the page title and headings",
			})
		}
	}

	if cta := fold(ad.CTA); cta != "" {
		switch {
		case len(page.CTAs) == 0:
			result.Scores[ScoreCTAMatch] = 0
			result.Findings = append(result.Findings, core.Finding{
				Code: FindingNoCTA, Severity: "critical", Message: "landing page has no call to action",
			})
		case ctaMatches(cta, page.CTAs):
			result.Scores[ScoreCTAMatch] = 100
		default:
			result.Scores[ScoreCTAMatch] = 30
			result.Findings = append(result.Findings, core.Finding{
				Code: FindingCTAMismatch, Severity: "warning", Message: "ad call to action " + quote(ad.CTA) + " is not on the page",
			})
		}
	}

	if offerTerms := tokens(ad.Offer); len(offerTerms) > 0 {
		score := coverage(offerTerms, pageTokens)
		result.Scores[ScoreOfferMatch] = score
		if score < 50 {
			result.Findings = append(result.Findings, core.Finding{
				Code: FindingOfferNotFound, Severity: "warning", Message: "ad offer is not visible in the page headings",
			})
		}
	}
	return result
}

// Overall is the mean of the available scores, rounded to two decimals.
// No scores at all yields zero.
func Overall(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	total := 0.0
	for _, value := range scores {
		total += value
	}
	return math.Round(total/float64(len(scores))*100) / 100
}

func coverage(terms []string, haystack map[string]struct{}) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range terms {
		if _, ok := haystack[term]; ok {
			hits++
		}
	}
	return math.Round(float64(hits)/float64(len(terms))*10000) / 100
}

func ctaMatches(cta string, pageCTAs []string) bool {
	for _, candidate := range pageCTAs {
		candidate = fold(candidate)
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, cta) || strings.Contains(cta, candidate) {
			return true
		}
	}
	return false
}

// tokens splits text into distinct lower-case words of three or more
// letters or digits, dropping stop words.
func tokens(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, token := range tokens(text) {
		set[token] = struct{}{}
	}
	return set
}

func fold(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func quote(value string) string {
	return `"` + strings.TrimSpace(value) + `"`
}
