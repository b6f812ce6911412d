package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    models.ErrorKind
	}{
		{"python type error", "TypeError: unsupported operand type(s) for +: 'int' and 'str'", models.ErrorKindType},
		{"go type error", "cannot use x (variable of type int) as string value in argument", models.ErrorKindType},
		{"syntax", "SyntaxError: invalid syntax", models.ErrorKindSyntax},
		{"node syntax", "Unexpected token } in JSON at position 12", models.ErrorKindSyntax},
		{"python import", "ModuleNotFoundError: No module named 'requests'", models.ErrorKindImport},
		{"go import", "main.go:5:2: cannot find package \"github.com/x/y\"", models.ErrorKindImport},
		{"key", "KeyError: 'user_id'", models.ErrorKindKey},
		{"attribute", "AttributeError: 'NoneType' object has no attribute 'get'", models.ErrorKindAttribute},
		{"js attribute", "TypeError: Cannot read properties of undefined (reading 'map')", models.ErrorKindType},
		{"timeout", "context deadline exceeded", models.ErrorKindTimeout},
		{"connection", "dial tcp 10.0.0.1:5432: connect: connection refused", models.ErrorKindConnection},
		{"http", "request failed with status code 503", models.ErrorKindHTTP},
		{"network timeout", "Get \"https://api.example.com\": dial tcp 10.0.0.5:443: i/o timeout", models.ErrorKindConnection},
		{"test timeout", "panic: test timed out after 10m0s", models.ErrorKindTimeout},
		{"database locked", "sqlite3.OperationalError: database is locked", models.ErrorKindDatabase},
		{"database clients", "FATAL: sorry, too many clients already", models.ErrorKindDatabase},
		{"missing relation", "pq: relation \"users\" does not exist", models.ErrorKindQuery},
		{"unique constraint", "sqlite3.IntegrityError: UNIQUE constraint failed: users.email", models.ErrorKindQuery},
		{"no such table", "sqlite3.OperationalError: no such table: orders", models.ErrorKindQuery},
		{"validation", "ValidationError: email is required", models.ErrorKindValidation},
		{"assertion", "AssertionError: expected 3 but got 4", models.ErrorKindAssertion},
		{"go test", "--- FAIL: TestParse (0.00s)", models.ErrorKindAssertion},
		{"runtime", "panic: runtime error: index out of range [3] with length 2", models.ErrorKindRuntime},
		{"unknown", "the agent gave up", models.ErrorKindUnknown},
	}

	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Classify(tt.message, ""))
		})
	}
}

func TestClassify_ExternalOnlyForInfrastructure(t *testing.T) {
	tests := []struct {
		message  string
		external bool
	}{
		{"dial tcp 10.0.0.1:5432: connect: connection refused", true},
		{"dial tcp 10.0.0.5:443: i/o timeout", true},
		{"request failed with status code 503", true},
		{"sqlite3.OperationalError: database is locked", true},
		{"sqlite3.IntegrityError: UNIQUE constraint failed: users.email", false},
		{"relation \"orders\" does not exist", false},
		{"panic: test timed out after 10m0s", false},
		{"command timed out after 120s: go test ./...", false},
	}

	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			kind := e.Classify(tt.message, "")
			assert.Equal(t, tt.external, kind.IsExternal(), "kind %s", kind)
		})
	}
}

func TestClassify_FallsBackToTrace(t *testing.T) {
	e := NewExtractor()
	got := e.Classify("step 3 did not finish", "Traceback (most recent call last):\nKeyError: 'x'")
	assert.Equal(t, models.ErrorKindKey, got)
}

func TestExtract_Location(t *testing.T) {
	tests := []struct {
		name    string
		message string
		trace   string
		want    string
	}{
		{
			name:    "python innermost frame",
			message: "KeyError: 'id'",
			trace:   "Traceback (most recent call last):\n  File \"main.py\", line 3, in <module>\n  File \"app/handlers.py\", line 42, in get\nKeyError: 'id'",
			want:    "app/handlers.py:42",
		},
		{
			name:    "go path with column",
			message: "internal/api/server.go:118:9: undefined: handler",
			want:    "internal/api/server.go:118",
		},
		{
			name:    "node stack",
			message: "TypeError: x is not a function",
			trace:   "    at run (src/index.js:27:5)",
			want:    "src/index.js:27",
		},
		{
			name:    "jvm frame",
			message: "java.lang.NullPointerException",
			trace:   "\tat com.acme.Service.handle(Service.java:88)",
			want:    "Service.java:88",
		},
		{
			name:    "no location",
			message: "connection refused",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Extract(tt.message, tt.trace)
			assert.Equal(t, tt.want, sig.Location)
		})
	}
}

func TestExtract_Deterministic(t *testing.T) {
	msg := "TypeError: unsupported operand type(s) for +: 'int' and 'str'"
	trace := "File \"calc.py\", line 12, in add"
	a := Extract(msg, trace)
	b := Extract(msg, trace)
	require.Equal(t, a, b)
	assert.Len(t, a.Hash, 32)
	assert.Equal(t, msg, a.Message)
}

func TestExtract_IgnoresIncidentalVariation(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "line number",
			a:    "handlers.go:42: nil pointer dereference",
			b:    "handlers.go:57: nil pointer dereference",
		},
		{
			name: "memory address",
			a:    "panic: runtime error: invalid memory address 0xc000012345",
			b:    "panic: runtime error: invalid memory address 0xc0000fe010",
		},
		{
			name: "string literal",
			a:    "KeyError: 'user_id'",
			b:    "KeyError: 'account_id'",
		},
		{
			name: "object id",
			a:    "object 5f3a9c21d8e4 not found in cache",
			b:    "object 7be04412aa90 not found in cache",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa := Extract(tt.a, "")
			sb := Extract(tt.b, "")
			assert.True(t, sa.Identical(sb), "hash %s != %s", sa.Hash, sb.Hash)
		})
	}
}

func TestExtract_DistinctErrorsDiffer(t *testing.T) {
	a := Extract("KeyError: 'id'", "")
	b := Extract("ImportError: cannot import name 'x'", "")
	c := Extract("KeyError: 'id'", "File \"other.py\", line 1")
	assert.False(t, a.Identical(b))
	assert.False(t, a.Identical(c), "different file must change the hash")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Error at line 42", "error at line <n>"},
		{`Failed to open "/tmp/x.txt"`, "failed to open <str>"},
		{"can't load 'config'", "can't load <str>"},
		{"addr 0xDEADBEEF freed", "addr <hex> freed"},
		{"commit 3f2a9b1c8d not found", "commit <hex> not found"},
		{"  many   spaces\t\there ", "many spaces here"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"TypeError at 0xc0001 in 'main' line 99",
		"panic: index 12 out of range [deadbeef01]",
		"plain text",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}
