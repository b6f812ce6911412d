package failure

import (
	"regexp"
	"strings"
)

var (
	doubleQuoted = regexp.MustCompile(`"[^"\n]*"`)
	singleQuoted = regexp.MustCompile(`(^|[^\w])'[^'\n]*'`)
	backQuoted   = regexp.MustCompile("`[^`\n]*`")
	hexPrefixed  = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	hexRun       = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	decimalRun   = regexp.MustCompile(`\d+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Normalize lower-cases s and replaces incidental detail with placeholders:
// quoted literals become <str>, hex-looking tokens <hex>, decimal runs <n>.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	out := strings.ToLower(s)
	out = doubleQuoted.ReplaceAllString(out, "<str>")
	out = singleQuoted.ReplaceAllString(out, "${1}<str>")
	out = backQuoted.ReplaceAllString(out, "<str>")
	out = hexPrefixed.ReplaceAllString(out, "<hex>")
	out = hexRun.ReplaceAllStringFunc(out, func(tok string) string {
		if strings.IndexFunc(tok, isDigit) >= 0 && strings.IndexFunc(tok, isHexLetter) >= 0 {
			return "<hex>"
		}
		return tok
	})
	out = decimalRun.ReplaceAllString(out, "<n>")
	out = whitespace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isHexLetter(r rune) bool { return r >= 'a' && r <= 'f' }
