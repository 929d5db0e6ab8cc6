package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"ferry/internal/convert"
	"ferry/internal/model"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// DefaultCustoms returns the custom rules available to every schema
func DefaultCustoms() map[string]CustomFunc {
	return map[string]CustomFunc{
		"email":        email,
		"uuid":         validUUID,
		"past_date":    pastDate,
		"not_negative": notNegative,
	}
}

func email(value string, _ model.Record) (bool, string) {
	if emailRegex.MatchString(value) {
		return true, ""
	}
	return false, fmt.Sprintf("%q is not an email address", value)
}

func validUUID(value string, _ model.Record) (bool, string) {
	if _, err := uuid.Parse(value); err != nil {
		return false, fmt.Sprintf("%q is not a UUID", value)
	}
	return true, ""
}

func pastDate(value string, _ model.Record) (bool, string) {
	t, ok := convert.ParseDate(value)
	if !ok {
		return false, fmt.Sprintf("%q is not a recognised date", value)
	}
	if t.After(time.Now()) {
		return false, fmt.Sprintf("%s is in the future", t.Format(convert.DateLayout))
	}
	return true, ""
}

func notNegative(value string, _ model.Record) (bool, string) {
	n, ok := convert.ParseNumber(value)
	if !ok {
		return false, fmt.Sprintf("%q is not numeric", value)
	}
	if n < 0 {
		return false, "value is negative"
	}
	return true, ""
}
