package secret

import "strings"

const maskRune = "•"

// GeneratePreview renders a non-reversible preview of a secret value. Short
// values are fully masked at a fixed width, longer values expose a fixed
// number of leading/trailing characters around exactly four mask characters,
// so the preview never reveals the true length.
func GeneratePreview(value string) string {
	runes := []rune(value)
	switch n := len(runes); {
	case n <= 8:
		return strings.Repeat(maskRune, 8)
	case n <= 15:
		return string(runes[:2]) + strings.Repeat(maskRune, 4) + string(runes[n-2:])
	default:
		return string(runes[:4]) + strings.Repeat(maskRune, 4) + string(runes[n-4:])
	}
}
