// Package convert holds the tolerant parsing primitives shared by validation
// and transformation. Inputs are user supplied cells, so every parser accepts
// the usual spreadsheet noise: currency symbols, thousands separators,
// accounting negatives, Excel formula prefixes and a wide set of date layouts.
package convert

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ferry/internal/model"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted. Years that would
// land more than this many years in the future are moved to the previous century.
var TwoDigitYearPivot = 20

// DateLayout is the canonical rendering of a date value
const DateLayout = "2006-01-02"

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// CleanCell trims whitespace, the Excel ="..." wrapper and surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// ParseNumber handles currency symbols, thousands separators and "(123.45)" negatives
func ParseNumber(s string) (float64, bool) {
	s = CleanCell(s)
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseCurrency is ParseNumber rounded to cents
func ParseCurrency(s string) (float64, bool) {
	f, ok := ParseNumber(s)
	if !ok {
		return 0, false
	}
	return math.Round(f*100) / 100, true
}

// ParseInt accepts whole numbers written with separators or a zero fraction ("1,200", "7.0")
func ParseInt(s string) (int64, bool) {
	f, ok := ParseNumber(s)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// ParseDate tries four-digit year layouts first, then two-digit layouts with the
// pivot adjustment. The result is normalised to midnight UTC unless the input
// carried a time of day.
func ParseDate(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(CleanCell(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// Check reports whether s parses as the given field type
func Check(t model.FieldType, s string) bool {
	_, err := Coerce(t, s)
	return err == nil
}

// Coerce converts a cleaned cell into the Go value stored for a field of type t.
// Text stays a string; dates become time.Time.
func Coerce(t model.FieldType, s string) (any, error) {
	s = CleanCell(s)
	switch t {
	case model.TypeText, "":
		return s, nil
	case model.TypeInt:
		if v, ok := ParseInt(s); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a whole number", s)
	case model.TypeNumber:
		if v, ok := ParseNumber(s); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a number", s)
	case model.TypeCurrency:
		if v, ok := ParseCurrency(s); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a currency amount", s)
	case model.TypeDate:
		if v, ok := ParseDate(s); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a recognised date", s)
	case model.TypeBool:
		if v, ok := ParseBool(s); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", s)
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

// CoerceValue converts an already decoded value (for example from a JSON
// filter) into the representation Coerce would have produced for t.
func CoerceValue(t model.FieldType, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Coerce(t, x)
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			c, err := CoerceValue(t, item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}
	return Coerce(t, Format(v))
}

// Format renders a stored value back to text
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.UTC().Format(DateLayout)
		}
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
