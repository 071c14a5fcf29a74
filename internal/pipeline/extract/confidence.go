package extract

import (
	"regexp"
	"strings"
)

var (
	reDate       = regexp.MustCompile(`\b(20\d{2}[-/]\d{1,2}[-/]\d{1,2}|\d{1,2}/\d{1,2}/20\d{2})\b`)
	reIdentifier = regexp.MustCompile(`\b[A-Z]{2,4}-?[A-Z0-9]{4,12}\b`)
	reAmount     = regexp.MustCompile(`\$\s?\d{1,3}(,\d{3})*(\.\d{2})?\b|\b\d+\.\d{2}\b`)
	reCode       = regexp.MustCompile(`\b[A-Z]\d{2}\.?\d*\b|\b\d{5}\b`)
)

var payerTerms = []string{
	"member", "patient", "claim", "authorization", "eligibility",
	"coverage", "payer", "insurance", "diagnosis", "procedure", "benefits",
}

// heuristicConfidence estimates how much a decoded page looks like a payer
// document. Structural artifacts (dates, identifiers, amounts, clinical
// codes, payer vocabulary) each add weight; sufficient text length adds a
// little more.
func heuristicConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	lower := strings.ToLower(text)

	score := 0.25 // base for any decodable text
	if reDate.MatchString(text) {
		score += 0.15
	}
	if reIdentifier.MatchString(text) {
		score += 0.15
	}
	if reAmount.MatchString(text) {
		score += 0.10
	}
	if reCode.MatchString(text) {
		score += 0.10
	}
	terms := 0
	for _, t := range payerTerms {
		if strings.Contains(lower, t) {
			terms++
		}
	}
	if terms >= 2 {
		score += 0.15
	} else if terms == 1 {
		score += 0.05
	}
	if len(text) > 200 {
		score += 0.10
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
