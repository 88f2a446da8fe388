package model

import "strings"

// Direction is the reported sign of a factor → outcome association
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
)

// ParseDirection maps upstream direction wording onto a Direction.
// The splitting step also writes "increase"/"decrease", which are accepted as aliases.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "increase", "+":
		return DirectionPositive, true
	case "negative", "decrease", "-":
		return DirectionNegative, true
	default:
		return "", false
	}
}

// FactorRecord is one extracted factor/outcome observation
// Records are produced upstream and never modified here.
type FactorRecord struct {
	Factor            string    `json:"factor"`             // Raw factor text (the label being canonicalized)
	OutcomeRaw        string    `json:"outcome_raw"`        // Outcome wording used in the paper
	OutcomeNormalized string    `json:"outcome_normalized"` // One of the fixed outcome vocabulary
	Direction         Direction `json:"direction"`

	SourceID string `json:"source_id,omitempty"` // Paper identifier (e.g. PMCID)
	Title    string `json:"title,omitempty"`
	Citation string `json:"citation,omitempty"` // "Surname et al. YEAR"
	DOI      string `json:"doi,omitempty"`
	Notes    string `json:"notes,omitempty"`

	Bin string `json:"bin,omitempty"` // Input table the record came from (outcome × direction split)
	Row int    `json:"row"`           // 1-based data row within Bin
}
