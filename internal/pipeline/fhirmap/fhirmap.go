// Package fhirmap renders published pipeline outcomes as FHIR R4 resources.
// Downstream payer systems speak FHIR; attaching a mapped rendering to the
// publish payload saves every consumer from re-deriving it. The mapping is an
// enrichment: only fields with a clean FHIR home are rendered, and the
// normalized record stays the system of record.
package fhirmap

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Identifier systems for values minted by this gateway.
const (
	SystemMemberID      = "urn:docgate:member-id"
	SystemInsuranceID   = "urn:docgate:insurance-id"
	SystemAuthNumber    = "urn:docgate:auth-number"
	SystemClaimNumber   = "urn:docgate:claim-number"
	SystemCorrelationID = "urn:docgate:correlation-id"
	SystemContentSHA256 = "urn:docgate:content-sha256"
)

// Standard terminology systems.
const (
	systemICD10     = "http://hl7.org/fhir/sid/icd-10-cm"
	systemCPT       = "http://www.ama-assn.org/go/cpt"
	systemNPI       = "http://hl7.org/fhir/sid/us-npi"
	systemClaimType = "http://terminology.hl7.org/CodeSystem/claim-type"
	systemAdjud     = "http://terminology.hl7.org/CodeSystem/adjudication"
	systemPriority  = "http://terminology.hl7.org/CodeSystem/processpriority"
)

// MapResult renders one published result as a collection Bundle: the primary
// resource for the document type, then a DocumentReference for the source
// payload. Types without a structured mapping yield the DocumentReference
// alone. The signature matches the publisher's FHIRMapper seam.
func MapResult(doc document.Document, res *document.PipelineResult) (map[string]any, error) {
	if res == nil {
		return nil, errors.New("nil pipeline result")
	}

	created := doc.ReceivedAt.UTC().Format(time.RFC3339)

	var entries []any
	if res.Record != nil {
		var primary map[string]any
		switch res.Record.Type {
		case document.TypePriorAuthorization:
			primary = claimResource(res.Record, "preauthorization", created)
		case document.TypeClaim:
			primary = claimResource(res.Record, "claim", created)
		case document.TypeExplanationOfBenefits:
			primary = eobResource(res.Record, created)
		case document.TypeEligibilityVerification:
			primary = eligibilityResource(res.Record, created)
		}
		if primary != nil {
			entries = append(entries, map[string]any{"resource": primary})
		}
	}
	entries = append(entries, map[string]any{"resource": documentReference(doc)})

	return map[string]any{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	}, nil
}

// claimResource builds a Claim. Prior authorizations and claims share the
// resource; use distinguishes them ("preauthorization" vs "claim").
func claimResource(rec *document.NormalizedRecord, use, created string) map[string]any {
	c := map[string]any{
		"resourceType": "Claim",
		"status":       "active",
		"type":         codeableConcept(systemClaimType, "professional"),
		"use":          use,
		"created":      created,
	}

	if p := patientRef(rec); p != nil {
		c["patient"] = p
	}

	var ids []any
	if v, ok := fieldValue(rec, "auth_number"); ok {
		ids = append(ids, identifier(SystemAuthNumber, v))
	}
	if v, ok := fieldValue(rec, "claim_number"); ok {
		ids = append(ids, identifier(SystemClaimNumber, v))
	}
	if len(ids) > 0 {
		c["identifier"] = ids
	}

	if v, ok := fieldValue(rec, "insurance_id"); ok {
		c["insurance"] = []any{map[string]any{
			"sequence": 1,
			"focal":    true,
			"coverage": map[string]any{"identifier": identifier(SystemInsuranceID, v)},
		}}
	}

	// Prior authorizations carry a validity window; claims carry the
	// service date. Both land in billablePeriod.
	period := map[string]any{}
	if v, ok := fieldValue(rec, "approval_date"); ok {
		period["start"] = v
	} else if v, ok := fieldValue(rec, "service_date"); ok {
		period["start"] = v
	}
	if v, ok := fieldValue(rec, "expiry_date"); ok {
		period["end"] = v
	}
	if len(period) > 0 {
		c["billablePeriod"] = period
	}

	if diags := diagnosisEntries(rec); len(diags) > 0 {
		c["diagnosis"] = diags
	}

	if v, ok := fieldValue(rec, "procedure_codes"); ok {
		var procs []any
		for i, code := range splitCodes(v) {
			procs = append(procs, map[string]any{
				"sequence":                 i + 1,
				"procedureCodeableConcept": codeableConcept(systemCPT, code),
			})
		}
		if len(procs) > 0 {
			c["procedure"] = procs
		}
	}

	if m, ok := money(rec, "billed_amount"); ok {
		c["total"] = m
	}

	if v, ok := fieldValue(rec, "medication"); ok {
		c["supportingInfo"] = []any{map[string]any{
			"sequence":    1,
			"category":    codeableConcept("http://terminology.hl7.org/CodeSystem/claiminformationcategory", "info"),
			"valueString": v,
		}}
	}

	for _, name := range []string{"prescriber_npi", "provider_npi"} {
		if v, ok := fieldValue(rec, name); ok {
			c["provider"] = map[string]any{"identifier": identifier(systemNPI, v)}
			break
		}
	}

	if v, ok := fieldValue(rec, "urgency"); ok {
		c["priority"] = codeableConcept(systemPriority, priorityCode(v))
	}

	return c
}

// eobResource builds an ExplanationOfBenefit from a remittance document.
func eobResource(rec *document.NormalizedRecord, created string) map[string]any {
	e := map[string]any{
		"resourceType": "ExplanationOfBenefit",
		"status":       "active",
		"type":         codeableConcept(systemClaimType, "professional"),
		"use":          "claim",
		"created":      created,
		"outcome":      "complete",
	}

	if p := patientRef(rec); p != nil {
		e["patient"] = p
	}
	if v, ok := fieldValue(rec, "claim_number"); ok {
		e["identifier"] = []any{identifier(SystemClaimNumber, v)}
	}
	if v, ok := fieldValue(rec, "service_date"); ok {
		e["billablePeriod"] = map[string]any{"start": v}
	}
	if v, ok := fieldValue(rec, "payment_status"); ok {
		e["disposition"] = v
	}

	var totals []any
	if m, ok := money(rec, "billed_amount"); ok {
		totals = append(totals, map[string]any{
			"category": codeableConcept(systemAdjud, "submitted"),
			"amount":   m,
		})
	}
	if m, ok := money(rec, "allowed_amount"); ok {
		totals = append(totals, map[string]any{
			"category": codeableConcept(systemAdjud, "eligible"),
			"amount":   m,
		})
	}
	if m, ok := money(rec, "patient_responsibility"); ok {
		totals = append(totals, map[string]any{
			"category": codeableConcept(systemAdjud, "copay"),
			"amount":   m,
		})
	}
	if len(totals) > 0 {
		e["total"] = totals
	}

	return e
}

// eligibilityResource builds a CoverageEligibilityResponse.
func eligibilityResource(rec *document.NormalizedRecord, created string) map[string]any {
	r := map[string]any{
		"resourceType": "CoverageEligibilityResponse",
		"status":       "active",
		"purpose":      []any{"validation"},
		"created":      created,
		"outcome":      "complete",
	}

	if p := patientRef(rec); p != nil {
		r["patient"] = p
	}
	if v, ok := fieldValue(rec, "payer_name"); ok {
		r["insurer"] = map[string]any{"display": v}
	}
	if v, ok := fieldValue(rec, "coverage_status"); ok {
		r["disposition"] = v
	}

	ins := map[string]any{}
	if v, ok := fieldValue(rec, "insurance_id"); ok {
		ins["coverage"] = map[string]any{"identifier": identifier(SystemInsuranceID, v)}
	}
	if v, ok := fieldValue(rec, "effective_date"); ok {
		ins["benefitPeriod"] = map[string]any{"start": v}
	}
	if len(ins) > 0 {
		r["insurance"] = []any{ins}
	}

	return r
}

// documentReference describes the source payload. The blob itself is not
// addressable from outside the gateway, so the reference carries the content
// hash rather than a URL.
func documentReference(doc document.Document) map[string]any {
	d := map[string]any{
		"resourceType": "DocumentReference",
		"status":       "current",
		"date":         doc.ReceivedAt.UTC().Format(time.RFC3339),
		"content": []any{map[string]any{
			"attachment": map[string]any{
				"contentType": mimeType(doc.Format),
				"title":       "source document",
			},
		}},
	}
	if doc.CorrelationID != "" {
		d["masterIdentifier"] = identifier(SystemCorrelationID, doc.CorrelationID)
	}
	if doc.ContentSHA256 != "" {
		d["identifier"] = []any{identifier(SystemContentSHA256, doc.ContentSHA256)}
	}
	return d
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func fieldValue(rec *document.NormalizedRecord, name string) (string, bool) {
	f, ok := rec.Field(name)
	if !ok || f.Value == "" {
		return "", false
	}
	return f.Value, true
}

func patientRef(rec *document.NormalizedRecord) map[string]any {
	p := map[string]any{}
	if v, ok := fieldValue(rec, "patient_name"); ok {
		p["display"] = v
	}
	if v, ok := fieldValue(rec, "member_id"); ok {
		p["identifier"] = identifier(SystemMemberID, v)
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

func identifier(system, value string) map[string]any {
	return map[string]any{"system": system, "value": value}
}

func codeableConcept(system, code string) map[string]any {
	return map[string]any{
		"coding": []any{map[string]any{"system": system, "code": code}},
	}
}

// money parses a canonicalized amount field into a FHIR Money. The
// normalizer strips currency symbols and thousands separators, so a plain
// ParseFloat suffices; anything else is left unmapped.
func money(rec *document.NormalizedRecord, name string) (map[string]any, bool) {
	v, ok := fieldValue(rec, name)
	if !ok {
		return nil, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, false
	}
	return map[string]any{"value": f, "currency": "USD"}, true
}

// diagnosisEntries renders diagnosis_code (single) or diagnosis_codes
// (delimited list) as Claim.diagnosis entries.
func diagnosisEntries(rec *document.NormalizedRecord) []any {
	var codes []string
	if v, ok := fieldValue(rec, "diagnosis_code"); ok {
		codes = []string{v}
	} else if v, ok := fieldValue(rec, "diagnosis_codes"); ok {
		codes = splitCodes(v)
	}

	var out []any
	for i, code := range codes {
		out = append(out, map[string]any{
			"sequence":                 i + 1,
			"diagnosisCodeableConcept": codeableConcept(systemICD10, code),
		})
	}
	return out
}

// splitCodes splits a captured code list on commas and whitespace.
func splitCodes(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func priorityCode(urgency string) string {
	switch strings.ToLower(urgency) {
	case "urgent", "expedited", "stat":
		return "stat"
	default:
		return "normal"
	}
}

func mimeType(f document.Format) string {
	switch f {
	case document.FormatPDF:
		return "application/pdf"
	case document.FormatHTML:
		return "text/html"
	case document.FormatText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
