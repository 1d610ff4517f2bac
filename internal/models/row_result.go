package models

// RowResult is the structured outcome of validating one record. Row-level
// problems are values accumulated into batch statistics, never errors that
// abort the stream.
type RowResult struct {
	Valid    bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddWarning records a non-fatal problem with the row.
func (r *RowResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddError records a problem that marks the row invalid.
func (r *RowResult) AddError(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}
