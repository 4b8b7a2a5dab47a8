package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/goliatone/go-alignment/core"
)

// Key hashes the ad digest and the page digest together. Changing either
// input yields a new key, so stale entries are never matched.
func Key(ad core.AdContent, page core.PageSnapshot) string {
	adDigest := digest(NormalizeAd(ad))
	pageDigest := digest(NormalizePage(page))
	return digest(adDigest + pageDigest)
}

// NormalizeAd renders ad copy as labelled lines with case and whitespace
// folded. Keyword order does not matter.
func NormalizeAd(ad core.AdContent) string {
	keywords := make([]string, 0, len(ad.Keywords))
	for _, keyword := range ad.Keywords {
		if keyword = fold(keyword); keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	sort.Strings(keywords)

	var b strings.Builder
	writeLine(&b, "headline", fold(ad.Headline))
	writeLine(&b, "body", fold(ad.Body))
	writeLine(&b, "cta", fold(ad.CTA))
	writeLine(&b, "offer", fold(ad.Offer))
	writeLine(&b, "display_url", fold(ad.DisplayURL))
	writeLine(&b, "keywords", strings.Join(keywords, ","))
	return b.String()
}

// NormalizePage covers the text and tracking signals of a snapshot. The
// screenshot is left out since it differs on every render.
func NormalizePage(page core.PageSnapshot) string {
	signals := make([]string, 0, len(page.TrackingSignals))
	for name, present := range page.TrackingSignals {
		if present {
			signals = append(signals, fold(name))
		}
	}
	sort.Strings(signals)

	var b strings.Builder
	writeLine(&b, "url", strings.TrimSpace(page.URL))
	writeLine(&b, "title", fold(page.Title))
	writeLine(&b, "h1", joinFolded(page.H1))
	writeLine(&b, "ctas", joinFolded(page.CTAs))
	writeLine(&b, "signals", strings.Join(signals, ","))
	return b.String()
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func fold(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func joinFolded(values []string) string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = fold(value); value != "" {
			out = append(out, value)
		}
	}
	return strings.Join(out, "|")
}

func writeLine(b *strings.Builder, label string, value string) {
	b.WriteString(label)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}
