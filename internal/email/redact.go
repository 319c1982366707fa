package email

import (
	"regexp"
	"sort"
)

// Sensitive identifiers never sent to a model, in application order. Email
// addresses, phone numbers and loan numbers stay because matching depends on
// them.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{"routing_number", regexp.MustCompile(`(?i)\brouting\s*(?:number|no\.?|#)?\s*:?\s*\d{9}\b`)},
	{"bank_account", regexp.MustCompile(`(?i)\b(?:account|acct)\.?\s*(?:number|no\.?|#)?\s*:?\s*\d{6,17}\b`)},
	{"date_of_birth", regexp.MustCompile(`(?i)\b(?:dob|date of birth)\s*:?\s*\d{1,2}/\d{1,2}/\d{2,4}\b`)},
}

// Redact masks sensitive identifiers in text and reports which kinds were
// found, sorted.
func Redact(text string) (string, []string) {
	var found []string
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			found = append(found, p.name)
			text = p.re.ReplaceAllString(text, "[REDACTED "+p.name+"]")
		}
	}
	sort.Strings(found)
	return text, found
}
