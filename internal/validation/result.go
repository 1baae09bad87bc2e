package validation

// Issue describes one field-level validation finding.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a validation pass. Errors block the write;
// warnings are informational and never block. Validators return a Result,
// they never return Go errors.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// OK returns a passing result with no findings.
func OK() Result {
	return Result{Valid: true}
}

func (r *Result) addError(field, code, message string) {
	r.Errors = append(r.Errors, Issue{Field: field, Code: code, Message: message})
	r.Valid = false
}

func (r *Result) addWarning(field, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Code: code, Message: message})
}

// Merge folds another result into this one.
func (r *Result) Merge(other Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if !other.Valid {
		r.Valid = false
	}
}
