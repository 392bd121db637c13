package backend

import (
	"encoding/json"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com":                             "https://example.com",
		"https://example.com/":                            "https://example.com",
		"  https://example.com//  ":                       "https://example.com",
		"https://example.com/functions/submitPlot":        "https://example.com",
		"https://example.com/functions/checkAccess/":      "https://example.com",
		"https://example.com/api/functions/searchPlot":    "https://example.com/api",
		"https://example.com/functions/whitelistRequest":  "https://example.com",
		"https://example.com/functions/other":             "https://example.com/functions/other",
		"https://example.com/functions/submitPlot/functions/checkAccess": "https://example.com",
		"": "",
	}
	for input, want := range cases {
		if got := NormalizeURL(input); got != want {
			t.Fatalf("normalize(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestNormalizeURLIsFixedPoint(t *testing.T) {
	inputs := []string{
		"https://a.example/",
		"https://a.example/functions/submitPlot",
		"https://a.example/functions/submitPlot/",
		"https://a.example/x/functions/searchPlot//",
		"https://a.example/functions/",
		"   ",
	}
	for _, input := range inputs {
		once := NormalizeURL(input)
		if twice := NormalizeURL(once); twice != once {
			t.Fatalf("normalize not idempotent for %q: %q then %q", input, once, twice)
		}
	}
	base := "https://base.example/app"
	for _, fn := range functionNames {
		if got := NormalizeURL(FunctionURL(base, fn)); got != NormalizeURL(base) {
			t.Fatalf("expected %s to normalize back to base, got %q", fn, got)
		}
	}
}

func TestDescribeError(t *testing.T) {
	cases := []struct {
		errText string
		status  int
		debug   string
		message string
		want    string
	}{
		{errText: "Sessione non trovata", status: 404, want: "Sessione non trovata"},
		{status: 500, message: "boom", want: "HTTP 500 (boom)"},
		{debug: `{"exception":"NullPointer"}`, want: "ERRORE [NullPointer]"},
		{errText: "x", message: "y", debug: `{"other":1}`, want: "x (y)"},
	}
	for _, tc := range cases {
		var debug json.RawMessage
		if tc.debug != "" {
			debug = json.RawMessage(tc.debug)
		}
		if got := DescribeError(tc.errText, tc.status, debug, tc.message); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}
