package quality

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Deterministic record validation. Any violation forces the anomaly
// verdict regardless of how the scorer ensemble voted.

var identRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{3,19}$`)
var npiRe = regexp.MustCompile(`^\d{10}$`)

// identFormats maps identifier fields to their accepted shape.
var identFormats = map[string]*regexp.Regexp{
	"member_id":      identRe,
	"insurance_id":   identRe,
	"claim_number":   identRe,
	"auth_number":    identRe,
	"prescriber_npi": npiRe,
	"provider_npi":   npiRe,
}

// pastDateFields name events that must already have happened when the
// document arrives. Effective and expiry dates may legitimately lie in the
// future and are only checked for parseability.
var pastDateFields = map[string]bool{
	"service_date":  true,
	"approval_date": true,
}

var amountFields = []string{"billed_amount", "allowed_amount", "patient_responsibility"}

// ValidateRules runs every rule against the normalized record. The
// returned violations are ordered: absences first, then per-field checks
// in record order, then cross-field checks. All comparisons use the
// document's received timestamp, so replays reproduce the same verdict.
func ValidateRules(doc document.Document, rec *document.NormalizedRecord) []string {
	if rec == nil {
		return []string{"no normalized record"}
	}

	var violations []string

	for _, name := range rec.Absent {
		violations = append(violations, fmt.Sprintf("missing required field: %s", name))
	}

	receivedDay := doc.ReceivedAt.UTC().Truncate(24 * time.Hour)
	for _, f := range rec.Fields {
		if re, ok := identFormats[f.Name]; ok && !re.MatchString(f.Value) {
			violations = append(violations, fmt.Sprintf("invalid identifier format: %s", f.Name))
		}
		if isDateField(f.Name) {
			t, err := time.Parse("2006-01-02", f.Value)
			if err != nil {
				violations = append(violations, fmt.Sprintf("unparseable date: %s", f.Name))
				continue
			}
			if pastDateFields[f.Name] && t.After(receivedDay) {
				violations = append(violations, fmt.Sprintf("date in future: %s", f.Name))
			}
		}
	}

	for _, name := range amountFields {
		v, ok := rec.Field(name)
		if !ok {
			continue
		}
		amt, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			violations = append(violations, fmt.Sprintf("unparseable amount: %s", name))
			continue
		}
		if amt < 0 {
			violations = append(violations, fmt.Sprintf("negative amount: %s", name))
		}
	}

	violations = append(violations, crossFieldViolations(rec)...)
	return violations
}

func crossFieldViolations(rec *document.NormalizedRecord) []string {
	var violations []string

	if expiry, approval, ok := datePair(rec, "expiry_date", "approval_date"); ok && expiry.Before(approval) {
		violations = append(violations, "expiry_date precedes approval_date")
	}
	if service, effective, ok := datePair(rec, "service_date", "effective_date"); ok && service.Before(effective) {
		violations = append(violations, "service_date precedes effective_date")
	}
	if allowed, billed, ok := amountPair(rec, "allowed_amount", "billed_amount"); ok && allowed > billed {
		violations = append(violations, "allowed_amount exceeds billed_amount")
	}

	return violations
}

func isDateField(name string) bool {
	return len(name) > 5 && name[len(name)-5:] == "_date"
}

func datePair(rec *document.NormalizedRecord, a, b string) (time.Time, time.Time, bool) {
	fa, oka := rec.Field(a)
	fb, okb := rec.Field(b)
	if !oka || !okb {
		return time.Time{}, time.Time{}, false
	}
	ta, erra := time.Parse("2006-01-02", fa.Value)
	tb, errb := time.Parse("2006-01-02", fb.Value)
	if erra != nil || errb != nil {
		return time.Time{}, time.Time{}, false
	}
	return ta, tb, true
}

func amountPair(rec *document.NormalizedRecord, a, b string) (float64, float64, bool) {
	fa, oka := rec.Field(a)
	fb, okb := rec.Field(b)
	if !oka || !okb {
		return 0, 0, false
	}
	va, erra := strconv.ParseFloat(fa.Value, 64)
	vb, errb := strconv.ParseFloat(fb.Value, 64)
	if erra != nil || errb != nil {
		return 0, 0, false
	}
	return va, vb, true
}
