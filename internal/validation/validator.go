package validation

import "strings"

// Submission is a contact message that passed every field rule
type Submission struct {
	Name    string
	Email   string
	Message string
	// Token is the captcha response, nil when absent or not a string
	Token *string
}

// Validate runs every rule against fields and returns the normalized submission. When the
// error list is non-empty the submission must not be used.
func Validate(fields map[string]interface{}) (Submission, []FieldError) {
	var errs []FieldError
	for _, r := range rules {
		value, present := fields[r.field]
		if !r.check(value, present) {
			errs = append(errs, newFieldError(r.field))
		}
	}

	sub := Submission{
		Name:    asString(fields[FieldName]),
		Email:   NormalizeEmail(asString(fields[FieldEmail])),
		Message: asString(fields[FieldMessage]),
	}
	if token, ok := fields[FieldCaptcha].(string); ok {
		sub.Token = &token
	}

	return sub, errs
}

// ValidateToken checks that a captcha token is present and a non-blank string
func ValidateToken(token *string) []FieldError {
	if token == nil || strings.TrimSpace(*token) == "" {
		return []FieldError{newFieldError(FieldCaptcha)}
	}
	return nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
