// Package validation checks contact form fields and reports every violated rule.
package validation

import (
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMessage is the message attached to every field error
const DefaultMessage = "Invalid value"

// LocationBody marks errors for fields read from the request body
const LocationBody = "body"

// Field names accepted by POST /send
const (
	FieldName    = "name"
	FieldEmail   = "email"
	FieldMessage = "message"
	FieldCaptcha = "captcha"
)

// Length limits, counted in characters
const (
	MaxNameLength    = 60
	MaxMessageLength = 1000
)

// FieldError describes one violated rule
type FieldError struct {
	Msg      string `json:"msg"`
	Param    string `json:"param"`
	Location string `json:"location"`
}

func newFieldError(param string) FieldError {
	return FieldError{Msg: DefaultMessage, Param: param, Location: LocationBody}
}

// rule is one check applied to one field
type rule struct {
	field string
	check func(value interface{}, present bool) bool
}

// rules are evaluated in declaration order; that order is the order of reported errors
var rules = []rule{
	{field: FieldName, check: notEmpty},
	{field: FieldEmail, check: notEmpty},
	{field: FieldMessage, check: notEmpty},

	{field: FieldName, check: isString},
	{field: FieldEmail, check: isString},
	{field: FieldMessage, check: isString},

	{field: FieldName, check: lengthBetween(1, MaxNameLength)},
	{field: FieldEmail, check: isEmail},
	{field: FieldMessage, check: lengthBetween(1, MaxMessageLength)},
}

// stringValue renders a decoded value the way the rules see it
func stringValue(value interface{}, present bool) string {
	if !present || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return formatNumber(v)
	default:
		// Objects and arrays are never empty here but fail isString.
		return "[object]"
	}
}

func formatNumber(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return ""
}

func notEmpty(value interface{}, present bool) bool {
	return stringValue(value, present) != ""
}

func isString(value interface{}, present bool) bool {
	if !present {
		return false
	}
	_, ok := value.(string)
	return ok
}

func lengthBetween(min, max int) func(interface{}, bool) bool {
	return func(value interface{}, present bool) bool {
		n := utf8.RuneCountInString(stringValue(value, present))
		return n >= min && n <= max
	}
}

func isEmail(value interface{}, present bool) bool {
	return IsEmail(stringValue(value, present))
}

// IsEmail reports whether s is a bare addr-spec with a dotted domain
func IsEmail(s string) bool {
	if s == "" || len(s) > 254 || strings.TrimSpace(s) != s {
		return false
	}

	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return false
	}

	at := strings.LastIndex(s, "@")
	local, domain := s[:at], s[at+1:]
	if local == "" || len(local) > 64 {
		return false
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	tld := labels[len(labels)-1]
	return len(tld) >= 2 && !strings.ContainsAny(tld, "0123456789")
}
