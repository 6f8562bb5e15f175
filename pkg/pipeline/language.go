package pipeline

import "strings"

// regionalCode maps short ISO-639-1 codes to the canonical regional code
// used throughout the relay once a Session or Participant is created. Codes
// not present here pass through unchanged (they are assumed already
// canonical, e.g. "pt-BR" supplied directly by a client).
var regionalCode = map[string]Language{
	"he": "he-IL",
	"en": "en-US",
	"ru": "ru-RU",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"pt": "pt-PT",
	"ja": "ja-JP",
	"zh": "zh-CN",
	"ar": "ar-SA",
}

// Canonicalize normalizes a language code to its regional form, matching the
// "language normalization" rule. It is idempotent: canonicalizing an already
// regional code returns it unchanged.
func Canonicalize(lang Language) Language {
	trimmed := strings.TrimSpace(string(lang))
	if trimmed == "" {
		return lang
	}
	if strings.Contains(trimmed, "-") {
		return Language(trimmed)
	}
	if regional, ok := regionalCode[strings.ToLower(trimmed)]; ok {
		return regional
	}
	return Language(trimmed)
}
