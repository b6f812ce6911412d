// Package protect flags work that touches sensitive areas so the decision
// engine can hold it behind a high_risk gate.
package protect

// DefaultPatterns defines glob patterns for protected areas.
var DefaultPatterns = []string{
	"**/auth/**",
	"**/security/**",
	"**/migrations/**",
	"**/infra/**",
	"**/secrets/**",
	"**/credentials/**",
	"**/certs/**",
	"**/.ssh/**",
	"**/terraform/**",
	"**/helm/**",
	"**/k8s/**",
	"**/kubernetes/**",
}

// DefaultKeywords defines path substrings that indicate protected files.
var DefaultKeywords = []string{
	"auth",
	"login",
	"password",
	"token",
	"secret",
	"migration",
	"credential",
	"private",
	"encrypt",
	"decrypt",
	"oauth",
	"jwt",
	"permission",
	"rbac",
}

// DefaultFileTypes defines file extensions that are protected.
var DefaultFileTypes = []string{
	".sql",
	".tf",
	".pem",
	".key",
	".env",
	".p12",
	".pfx",
	".jks",
	".keystore",
	".crt",
}

// DefaultPhrases are task description fragments that describe destructive
// or privileged operations.
var DefaultPhrases = []string{
	"drop table",
	"drop database",
	"truncate table",
	"delete production",
	"production database",
	"force push",
	"rotate credentials",
	"rotate keys",
	"disable authentication",
	"grant admin",
	"rm -rf",
}
