package backend

import "strings"

const (
	FunctionCheckAccess      = "checkAccess"
	FunctionSearchPlot       = "searchPlot"
	FunctionSubmitPlot       = "submitPlot"
	FunctionWhitelistRequest = "whitelistRequest"
)

var functionNames = []string{
	FunctionCheckAccess,
	FunctionSearchPlot,
	FunctionSubmitPlot,
	FunctionWhitelistRequest,
}

// NormalizeURL trims whitespace and trailing slashes and strips a trailing
// function path so a pasted function URL still yields the base. Applying it
// twice gives the same result as applying it once.
func NormalizeURL(raw string) string {
	value := strings.TrimSpace(raw)
	for {
		value = strings.TrimRight(value, "/")
		stripped := false
		for _, name := range functionNames {
			suffix := "/functions/" + name
			if strings.HasSuffix(value, suffix) {
				value = strings.TrimSuffix(value, suffix)
				stripped = true
				break
			}
		}
		if !stripped {
			return value
		}
	}
}

// FunctionURL joins the normalized base with a function name.
func FunctionURL(base, function string) string {
	base = NormalizeURL(base)
	if base == "" {
		return ""
	}
	return base + "/functions/" + function
}
