package envelope

import (
	"fmt"
	"regexp"
)

// Default caps applied to decoded request payloads.
const (
	DefaultMaxDepth     = 10
	DefaultMaxBodyBytes = 1 << 20 // 1 MiB
)

// Identifier formats accepted at the boundary. The national ID format follows
// the Saudi 10-digit scheme starting with 1 or 2.
var (
	nationalIDPattern = regexp.MustCompile(`^[12]\d{9}$`)
	facilityIDPattern = regexp.MustCompile(`^[1-9]\d{0,9}$`)
	sbsCodePattern    = regexp.MustCompile(`^SBS-[A-Z0-9][A-Z0-9-]{0,30}$`)
	phonePattern      = regexp.MustCompile(`^\+?\d{9,15}$`)
	claimIDPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// FieldError reports a validation rejection with the precise field path.
type FieldError struct {
	Path   string
	Reason string
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", f.Path, f.Reason)
}

// AsInvalidInput converts a field rejection into a taxonomy error.
func (f *FieldError) AsInvalidInput(code string) *Error {
	e := New(KindInvalidInput, code, f.Error())
	return e.WithDetail("field", f.Path).WithDetail("reason", f.Reason)
}

// CheckDepth rejects decoded JSON values nested deeper than maxDepth.
func CheckDepth(v interface{}, maxDepth int) *FieldError {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return checkDepth(v, "$", maxDepth)
}

func checkDepth(v interface{}, path string, remaining int) *FieldError {
	if remaining <= 0 {
		return &FieldError{Path: path, Reason: "exceeds maximum nesting depth"}
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if err := checkDepth(child, path+"."+k, remaining-1); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, child := range t {
			if err := checkDepth(child, fmt.Sprintf("%s[%d]", path, i), remaining-1); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckRange validates a numeric field against an inclusive range.
func CheckRange(path string, value, min, max float64) *FieldError {
	if value < min || value > max {
		return &FieldError{
			Path:   path,
			Reason: fmt.Sprintf("value %g outside range [%g, %g]", value, min, max),
		}
	}
	return nil
}

// CheckNationalID validates the patient national identifier format.
func CheckNationalID(path, id string) *FieldError {
	if !nationalIDPattern.MatchString(id) {
		return &FieldError{Path: path, Reason: "malformed national ID"}
	}
	return nil
}

// CheckFacilityID validates a facility identifier rendered as a string.
func CheckFacilityID(path, id string) *FieldError {
	if !facilityIDPattern.MatchString(id) {
		return &FieldError{Path: path, Reason: "malformed facility ID"}
	}
	return nil
}

// CheckSBSCode validates a national catalogue code.
func CheckSBSCode(path, code string) *FieldError {
	if !sbsCodePattern.MatchString(code) {
		return &FieldError{Path: path, Reason: "malformed SBS code"}
	}
	return nil
}

// CheckPhone validates a phone number in loose E.164 form.
func CheckPhone(path, phone string) *FieldError {
	if !phonePattern.MatchString(phone) {
		return &FieldError{Path: path, Reason: "malformed phone number"}
	}
	return nil
}

// CheckClaimID validates the caller-supplied claim identifier.
func CheckClaimID(path, id string) *FieldError {
	if !claimIDPattern.MatchString(id) {
		return &FieldError{Path: path, Reason: "malformed claim ID"}
	}
	return nil
}
