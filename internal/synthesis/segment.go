package synthesis

import "strings"

// SplitText breaks text into ordered segments of at most maxChars runes.
// Sentences ending in '.', '!' or '?' (or a line break) are kept whole and
// packed together while they fit; a sentence longer than maxChars is split on
// word boundaries, and a single word longer than maxChars is cut.
func SplitText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 || runeLen(text) <= maxChars {
		return []string{text}
	}

	var segments []string
	var current string
	flush := func() {
		if current != "" {
			segments = append(segments, current)
			current = ""
		}
	}

	for _, sentence := range sentences(text) {
		if runeLen(sentence) > maxChars {
			flush()
			segments = append(segments, splitWords(sentence, maxChars)...)
			continue
		}
		switch {
		case current == "":
			current = sentence
		case runeLen(current)+1+runeLen(sentence) <= maxChars:
			current += " " + sentence
		default:
			flush()
			current = sentence
		}
	}
	flush()
	return segments
}

func sentences(text string) []string {
	var out []string
	var b strings.Builder
	emit := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			emit()
		case '\n', '\r':
			emit()
		default:
			b.WriteRune(r)
		}
	}
	emit()
	return out
}

func splitWords(sentence string, maxChars int) []string {
	var out []string
	var current string
	for _, word := range strings.Fields(sentence) {
		for runeLen(word) > maxChars {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			r := []rune(word)
			out = append(out, string(r[:maxChars]))
			word = string(r[maxChars:])
		}
		switch {
		case current == "":
			current = word
		case runeLen(current)+1+runeLen(word) <= maxChars:
			current += " " + word
		default:
			out = append(out, current)
			current = word
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
