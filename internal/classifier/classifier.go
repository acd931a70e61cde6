// Package classifier assigns one of six canonical bug types to a test
// failure, first by exact error-type lookup, then by an ordered regex
// cascade over the failure message and surrounding test output, and
// finally by a LOGIC fallback.
package classifier

import (
	"regexp"
	"strconv"
)

// BugType is one of the six canonical classifications.
type BugType string

const (
	Linting     BugType = "LINTING"
	Syntax      BugType = "SYNTAX"
	Logic       BugType = "LOGIC"
	TypeError   BugType = "TYPE_ERROR"
	Import      BugType = "IMPORT"
	Indentation BugType = "INDENTATION"
)

// errorTypeMap maps a normalized exception/error class name straight to
// a BugType, bypassing the regex cascade entirely.
var errorTypeMap = map[string]BugType{
	"SyntaxError":           Syntax,
	"IndentationError":      Indentation,
	"TabError":              Indentation,
	"TypeError":             TypeError,
	"ImportError":           Import,
	"ModuleNotFoundError":   Import,
	"NameError":             Logic,
	"AttributeError":        Logic,
	"ValueError":            Logic,
	"KeyError":               Logic,
	"IndexError":             Logic,
	"AssertionError":         Logic,
	"ZeroDivisionError":      Logic,
	"RuntimeError":           Logic,
	"NotImplementedError":    Logic,
	"RecursionError":         Logic,
	"OverflowError":          Logic,
	"UnboundLocalError":      Logic,
}

type pattern struct {
	re      *regexp.Regexp
	bugType BugType
}

// messagePatterns is applied in this exact order; the first match wins.
var messagePatterns = []pattern{
	{regexp.MustCompile(`(?i)(indentationerror|unexpected indent|expected an indented block|inconsistent use of tabs)`), Indentation},
	{regexp.MustCompile(`(?i)(syntaxerror|unexpected token|unexpected end of (input|file)|parsing error)`), Syntax},
	{regexp.MustCompile(`(?i)(importerror|modulenotfounderror|cannot find module|no module named|unresolved import)`), Import},
	{regexp.MustCompile(`(?i)(typeerror|is not a function|cannot read propert(y|ies) of|expected type|argument of type)`), TypeError},
	{regexp.MustCompile(`(?i)(eslint|no-unused-vars|prefer-const|linting error|lint error)`), Linting},
	{regexp.MustCompile(`(?i)(assertionerror|expect\(|assert |test failed|expected .* but (got|received))`), Logic},
}

// Classify returns the canonical bug type for a failure, given the raw
// error type name (if known), the error message, and the surrounding
// test output. errorType is matched case-sensitively against a fixed
// table of well-known names; it may be empty.
func Classify(errorType, errorMessage, testOutput string) BugType {
	if bt, ok := errorTypeMap[errorType]; ok {
		return bt
	}
	combined := errorMessage + "\n" + testOutput
	for _, p := range messagePatterns {
		if p.re.MatchString(combined) {
			return p.bugType
		}
	}
	return Logic
}

// FormatSummaryLine renders the one-line human summary attached to each
// applied fix.
func FormatSummaryLine(bugType BugType, filePath string, lineNumber int, fixDescription string) string {
	return string(bugType) + " error in " + filePath + " line " + strconv.Itoa(lineNumber) + " → Fix: " + fixDescription
}
