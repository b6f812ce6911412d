package protect

import (
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
)

// ImportPattern defines an import statement that marks code as sensitive.
type ImportPattern struct {
	Language string
	Pattern  string
	Reason   string
}

// SecurityImports defines import patterns that indicate security-sensitive code.
var SecurityImports = []ImportPattern{
	{Language: "go", Pattern: `"crypto/`, Reason: "Cryptography"},
	{Language: "go", Pattern: `"golang\.org/x/crypto/`, Reason: "Cryptography"},
	{Language: "go", Pattern: `"github\.com/[^/]+/jwt`, Reason: "JWT authentication"},
	{Language: "go", Pattern: `"golang\.org/x/oauth2`, Reason: "OAuth2 authentication"},

	{Language: "typescript", Pattern: `(import|from).*['"](crypto|bcrypt)['"]`, Reason: "Cryptography"},
	{Language: "typescript", Pattern: `(import|from).*['"]jsonwebtoken['"]`, Reason: "JWT authentication"},
	{Language: "typescript", Pattern: `(import|from).*['"]passport['"]`, Reason: "Authentication"},
	{Language: "typescript", Pattern: `require\(['"](crypto|bcrypt)['"]\)`, Reason: "Cryptography"},

	{Language: "python", Pattern: `^(import|from) cryptography`, Reason: "Cryptography"},
	{Language: "python", Pattern: `^(import|from) jwt`, Reason: "JWT authentication"},
	{Language: "python", Pattern: `^import (bcrypt|hashlib)`, Reason: "Password hashing"},
	{Language: "python", Pattern: `^from passlib`, Reason: "Password hashing"},
	{Language: "python", Pattern: `^from django\.contrib\.auth`, Reason: "Authentication"},

	{Language: "rust", Pattern: `^use .*(ring|crypto)::`, Reason: "Cryptography"},
	{Language: "rust", Pattern: `^use .*jsonwebtoken`, Reason: "JWT authentication"},
	{Language: "rust", Pattern: `^use .*(bcrypt|argon2)`, Reason: "Password hashing"},
}

// maxScanLines bounds how far into a file imports are looked for.
const maxScanLines = 100

type compiledImport struct {
	re     *regexp.Regexp
	reason string
}

// ImportScanner finds security-related imports in artifact contents.
type ImportScanner struct {
	byLang map[string][]compiledImport
}

// NewImportScanner compiles SecurityImports.
func NewImportScanner() *ImportScanner {
	s := &ImportScanner{byLang: make(map[string][]compiledImport)}
	for _, p := range SecurityImports {
		s.byLang[p.Language] = append(s.byLang[p.Language], compiledImport{
			re:     regexp.MustCompile(p.Pattern),
			reason: p.Reason,
		})
	}
	return s
}

// Scan reports the first security import in the head of content. The
// language is taken from the path's extension.
func (s *ImportScanner) Scan(path string, content []byte) (string, bool) {
	patterns := s.byLang[detectLanguage(path)]
	if len(patterns) == 0 {
		return "", false
	}

	sc := bufio.NewScanner(bytes.NewReader(content))
	for n := 0; sc.Scan() && n < maxScanLines; n++ {
		line := strings.TrimSpace(sc.Text())
		for _, p := range patterns {
			if p.re.MatchString(line) {
				return p.reason, true
			}
		}
	}
	return "", false
}

func detectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx", ".js", ".jsx", ".mjs":
		return "typescript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	default:
		return ""
	}
}
