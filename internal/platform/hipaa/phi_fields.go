package hipaa

import "sort"

// phiFields lists the canonical record fields that carry Protected Health
// Information under the HIPAA Safe Harbor identifier categories
// (45 CFR 164.514(b)(2)) as they appear in payer documents: member and
// subscriber identifiers and patient names. Values of these fields are
// encrypted at rest; everything else on a record (codes, dates, amounts,
// provider NPIs) is not a direct patient identifier.
var phiFields = map[string]bool{
	"member_id":    true,
	"patient_name": true,
	"insurance_id": true,
}

// IsPHI reports whether the named canonical field is a PHI field.
func IsPHI(name string) bool { return phiFields[name] }

// PHIFields returns the PHI field names in stable order.
func PHIFields() []string {
	names := make([]string, 0, len(phiFields))
	for name := range phiFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
