package normalize

import "github.com/docgate/docgate/internal/pipeline/document"

// DefaultSchemaVersion is the version stamped on records normalized with
// the built-in schemas.
const DefaultSchemaVersion = "v1"

// Shared pattern fragments. Label prefixes match case-insensitively; the
// captured value stays case-sensitive so prose after a label ("member id
// is required") does not read as an identifier.
const (
	datePat   = `(\d{4}-\d{2}-\d{2}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`
	amountPat = `\$?\s?([\d,]+\.?\d{0,2})`
	identPat  = `([A-Z0-9][A-Z0-9-]{3,})`
)

func defaultSpecs() map[document.Type]SchemaSpec {
	// member_id and insurance_id are distinct fields, never aliases.
	memberID := FieldSpec{
		Name:     "member_id",
		Required: true,
		Patterns: []string{
			`(?i:\bmember\s*(?:id|number|#))[\s:#]+` + identPat,
		},
	}
	// Name capture stays on one line: the class excludes newlines so the
	// match cannot run into the next labeled line.
	patientName := FieldSpec{
		Name:     "patient_name",
		Required: true,
		Patterns: []string{
			`(?i:\bpatient(?:\s*name)?)[ \t:]+([A-Z][A-Za-z'.\- ]{1,60})`,
		},
	}
	claimNumber := FieldSpec{
		Name:     "claim_number",
		Required: true,
		Patterns: []string{
			`(?i:\bclaim\s*(?:no|number|#))[\s:#]+` + identPat,
		},
	}
	serviceDate := FieldSpec{
		Name:     "service_date",
		Required: true,
		Patterns: []string{
			`(?i:\b(?:date\s*of\s*service|service\s*date|dos))[\s:]+` + datePat,
		},
	}
	billedAmount := FieldSpec{
		Name:     "billed_amount",
		Required: true,
		Patterns: []string{
			`(?i:\bbilled(?:\s*amount)?)[\s:]+` + amountPat,
			`(?i:\btotal\s*charges?)[\s:]+` + amountPat,
		},
	}

	return map[document.Type]SchemaSpec{
		document.TypePriorAuthorization: {
			Fields: []FieldSpec{
				memberID,
				patientName,
				{
					Name:     "insurance_id",
					Required: true,
					Patterns: []string{
						`(?i:\binsurance\s*id)[\s:#]+` + identPat,
						`(?i:\bpolicy\s*(?:no|number)?)[\s:#]+` + identPat,
						`(?i:\bmember\s*(?:id|number))[\s:#]+` + identPat,
					},
					Weight: 0.9,
				},
				{
					Name:     "auth_number",
					Required: true,
					Patterns: []string{
						`(?i:\bauth(?:orization)?\s*(?:no|number|#|request)?)[\s:#]+` + identPat,
					},
				},
				{
					Name:     "diagnosis_code",
					Required: true,
					Patterns: []string{
						`(?i:\bdiagnosis(?:\s*code)?)[\s:]*\(?([A-Z]\d{2}(?:\.\d{1,4})?)\)?`,
						`\b([A-Z]\d{2}\.\d{1,4})\b`,
					},
				},
				{
					Name:     "medication",
					Required: true,
					Patterns: []string{
						`(?i:\bmedication)[\s:]+([A-Za-z][A-Za-z0-9 /.-]{2,60})`,
						`(?i:\bdrug(?:\s*name)?)[\s:]+([A-Za-z][A-Za-z0-9 /.-]{2,60})`,
					},
				},
				{
					Name:     "approval_date",
					Required: true,
					Patterns: []string{
						`(?i:\bapproval\s*date|\bapproved(?:\s*on)?)[\s:]+` + datePat,
					},
				},
				{
					Name:     "expiry_date",
					Required: true,
					Patterns: []string{
						`(?i:\bexpir(?:y|ation)\s*date|\bvalid\s*(?:through|until))[\s:]+` + datePat,
					},
				},
				{
					Name: "prescriber_npi",
					Patterns: []string{
						`(?i:\b(?:npi|national\s*provider(?:\s*identifier)?))[\s:]+(\d{10})\b`,
					},
				},
				{
					Name: "urgency",
					Patterns: []string{
						`(?i:\burgency)[\s:]+((?i:standard|urgent|expedited|stat))`,
					},
					Weight: 0.8,
				},
			},
		},
		document.TypeEligibilityVerification: {
			Fields: []FieldSpec{
				memberID,
				{
					Name:     "insurance_id",
					Required: true,
					Patterns: []string{
						`(?i:\binsurance\s*id)[\s:#]+` + identPat,
						`(?i:\bpolicy\s*(?:no|number)?)[\s:#]+` + identPat,
						`(?i:\bgroup\s*(?:no|number))[\s:#]+` + identPat,
					},
					Weight: 0.9,
				},
				{
					Name:     "payer_name",
					Required: true,
					Patterns: []string{
						`(?i:\bpayer(?:\s*name)?)[\s:]+([A-Z][A-Za-z &'.-]{2,60})`,
						`(?i:\binsurer)[\s:]+([A-Z][A-Za-z &'.-]{2,60})`,
					},
				},
				{
					Name:     "coverage_status",
					Required: true,
					Patterns: []string{
						`(?i:\bcoverage\s*status)[\s:]+([A-Za-z][A-Za-z ]{2,30})`,
						`(?i:\bstatus)[\s:]+((?i:active|inactive|terminated|pending))`,
					},
				},
				{
					Name:     "effective_date",
					Required: true,
					Patterns: []string{
						`(?i:\b(?:coverage\s*)?effective(?:\s*date)?)[\s:]+` + datePat,
					},
				},
				{
					Name: "plan_type",
					Patterns: []string{
						`(?i:\bplan\s*type)[\s:]+([A-Z]{2,5}|[A-Za-z ]{3,30})`,
					},
					Weight: 0.8,
				},
			},
		},
		document.TypeExplanationOfBenefits: {
			Fields: []FieldSpec{
				memberID,
				claimNumber,
				serviceDate,
				billedAmount,
				{
					Name:     "allowed_amount",
					Required: true,
					Patterns: []string{
						`(?i:\ballowed(?:\s*amount)?)[\s:]+` + amountPat,
					},
				},
				{
					Name:     "payment_status",
					Required: true,
					Patterns: []string{
						`(?i:\bpayment\s*status)[\s:]+([A-Za-z][A-Za-z ]{2,30})`,
						`(?i:\bstatus)[\s:]+((?i:paid|denied|partial|processed|pending))`,
					},
				},
				{
					Name: "patient_responsibility",
					Patterns: []string{
						`(?i:\bpatient\s*responsibility)[\s:]+` + amountPat,
					},
				},
			},
		},
		document.TypeClaim: {
			Fields: []FieldSpec{
				memberID,
				claimNumber,
				serviceDate,
				{
					Name:     "diagnosis_codes",
					Required: true,
					Patterns: []string{
						`(?i:\bdiagnosis\s*codes?)[\s:]+([A-Z0-9., ]+)`,
						`\b([A-Z]\d{2}\.\d{1,4})\b`,
					},
				},
				{
					Name:     "procedure_codes",
					Required: true,
					Patterns: []string{
						`(?i:\b(?:procedure|cpt)\s*codes?)[\s:]+([0-9., ]{5,})`,
						`\b(\d{5})\b`,
					},
				},
				billedAmount,
				{
					Name: "provider_npi",
					Patterns: []string{
						`(?i:\b(?:npi|national\s*provider(?:\s*identifier)?))[\s:]+(\d{10})\b`,
					},
				},
			},
		},
		// Generic schema: nothing required, common identifiers captured
		// opportunistically so reviewers see something useful.
		document.TypeUnknown: {
			Fields: []FieldSpec{
				optional(memberID),
				optional(patientName),
				optional(claimNumber),
				optional(serviceDate),
				{
					Name: "auth_number",
					Patterns: []string{
						`(?i:\bauth(?:orization)?\s*(?:no|number|#))[\s:#]+` + identPat,
					},
				},
			},
		},
	}
}

func optional(f FieldSpec) FieldSpec {
	f.Required = false
	return f
}
