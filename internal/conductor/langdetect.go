package conductor

import "unicode"

// DetectLanguage applies the first-Unicode-range-match heuristic (spec.md
// §6) to a completed transcript: CJK ideographs win as zh, kana as ja,
// hangul as ko; an all-ASCII-letters transcript is en; otherwise a
// French/Spanish-specific diacritic set selects between fr and es; anything
// else falls back to en.
func DetectLanguage(text string) string {
	if text == "" {
		return "en"
	}

	asciiOnly := true
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			return "zh"
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			return "ja"
		case unicode.Is(unicode.Hangul, r):
			return "ko"
		}
		if r > unicode.MaxASCII {
			asciiOnly = false
		}
	}
	if asciiOnly {
		return "en"
	}

	for _, r := range text {
		switch r {
		case 'ñ', 'Ñ', '¿', '¡':
			return "es"
		case 'ç', 'Ç', 'œ', 'Œ', 'â', 'Â', 'ê', 'Ê', 'î', 'Î', 'ô', 'Ô', 'û', 'Û':
			return "fr"
		}
	}
	return "en"
}
