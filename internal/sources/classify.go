// Package sources classifies scrape targets and probes uploaded feeds.
package sources

import (
	"regexp"
	"strings"
)

// Source type tags.
const (
	TypeTelegram = "telegram"
	TypeRSS      = "rss"
)

var telegramURL = regexp.MustCompile(`(?i)^https?://t(elegram)?\.me/`)

// Classifier decides whether a target participates in channel distribution.
type Classifier func(sourceType, key string) bool

// IsTelegram matches targets tagged telegram, @handles, and t.me / telegram.me links.
func IsTelegram(sourceType, key string) bool {
	if strings.EqualFold(strings.TrimSpace(sourceType), TypeTelegram) {
		return true
	}
	return LooksLikeTelegram(key)
}

// LooksLikeTelegram applies the url heuristic only.
func LooksLikeTelegram(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	return strings.HasPrefix(key, "@") || strings.Contains(key, "t.me/") || telegramURL.MatchString(key)
}

// DetectType guesses the type tag for an uploaded key.
func DetectType(key string) string {
	if LooksLikeTelegram(key) {
		return TypeTelegram
	}
	return TypeRSS
}

// NormalizeKey trims whitespace; keys are otherwise stored verbatim.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}
