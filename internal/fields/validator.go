package fields

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/seal-protocol/internal/db/models"
)

// ValidationError is one reason a submitted value cannot be committed.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errf(code, format string, args ...interface{}) ValidationError {
	return ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type CheckboxRule string

const (
	SelectAtLeast CheckboxRule = "SELECT_AT_LEAST"
	SelectExactly CheckboxRule = "SELECT_EXACTLY"
	SelectAtMost  CheckboxRule = "SELECT_AT_MOST"
)

type Option struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type NumberMeta struct {
	MinValue     *float64 `json:"minValue,omitempty"`
	MaxValue     *float64 `json:"maxValue,omitempty"`
	NumberFormat string   `json:"numberFormat,omitempty"`
}

type TextMeta struct {
	CharacterLimit int    `json:"characterLimit,omitempty"`
	ReadOnly       bool   `json:"readOnly,omitempty"`
	Text           string `json:"text,omitempty"`
}

type CheckboxMeta struct {
	Options          []Option     `json:"options,omitempty"`
	ValidationRule   CheckboxRule `json:"validationRule,omitempty"`
	ValidationLength int          `json:"validationLength,omitempty"`
}

type OptionsMeta struct {
	Options []Option `json:"options,omitempty"`
}

// Validate checks a submitted value against the field's type-specific
// rules. The returned slice is empty when the value may be committed.
// DATE is always valid here: its value is server-stamped, never taken
// from the submission.
func Validate(fieldType models.FieldType, metaJSON, value string) []ValidationError {
	switch fieldType {
	case models.FieldNumber:
		return validateNumber(metaJSON, value)
	case models.FieldText:
		return validateText(metaJSON, value)
	case models.FieldCheckbox:
		return validateCheckbox(metaJSON, value)
	case models.FieldRadio, models.FieldDropdown:
		return validateOptions(metaJSON, value)
	case models.FieldSignature, models.FieldInitials:
		if strings.TrimSpace(value) == "" {
			return []ValidationError{errf("SIGNATURE_EMPTY", "signature value is required")}
		}
		return nil
	case models.FieldDate, models.FieldName, models.FieldEmail:
		return nil
	default:
		return []ValidationError{errf("UNKNOWN_FIELD_TYPE", "unsupported field type %q", fieldType)}
	}
}

func validateNumber(metaJSON, value string) []ValidationError {
	var meta NumberMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return []ValidationError{errf("META_INVALID", "number field meta is malformed")}
		}
	}

	normalized := strings.TrimSpace(value)
	if meta.NumberFormat == "comma-decimal" {
		normalized = strings.ReplaceAll(strings.ReplaceAll(normalized, ".", ""), ",", ".")
	} else {
		normalized = strings.ReplaceAll(normalized, ",", "")
	}

	n, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return []ValidationError{errf("NUMBER_PARSE", "value %q is not a valid number", value)}
	}

	var errs []ValidationError
	if meta.MinValue != nil && n < *meta.MinValue {
		errs = append(errs, errf("NUMBER_MIN", "value must be at least %v", *meta.MinValue))
	}
	if meta.MaxValue != nil && n > *meta.MaxValue {
		errs = append(errs, errf("NUMBER_MAX", "value must be at most %v", *meta.MaxValue))
	}
	return errs
}

func validateText(metaJSON, value string) []ValidationError {
	var meta TextMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return []ValidationError{errf("META_INVALID", "text field meta is malformed")}
		}
	}

	var errs []ValidationError
	if meta.CharacterLimit > 0 && len(value) > meta.CharacterLimit {
		errs = append(errs, errf("TEXT_TOO_LONG", "value exceeds the %d character limit", meta.CharacterLimit))
	}
	if meta.ReadOnly && value != meta.Text {
		errs = append(errs, errf("TEXT_READ_ONLY", "read-only field value must match the preset text"))
	}
	return errs
}

// decodeSelection parses a submitted checkbox selection, a JSON array of
// option indexes, e.g. "[0,2]".
func decodeSelection(value string) ([]int, error) {
	var selection []int
	if err := json.Unmarshal([]byte(value), &selection); err != nil {
		return nil, err
	}
	return selection, nil
}

func validateCheckbox(metaJSON, value string) []ValidationError {
	var meta CheckboxMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return []ValidationError{errf("META_INVALID", "checkbox field meta is malformed")}
		}
	}

	selection, err := decodeSelection(value)
	if err != nil {
		return []ValidationError{errf("CHECKBOX_DECODE", "selection must be an index array")}
	}

	seen := make(map[int]bool, len(selection))
	for _, idx := range selection {
		if idx < 0 || idx >= len(meta.Options) {
			return []ValidationError{errf("CHECKBOX_RANGE", "selection index %d is out of range", idx)}
		}
		if seen[idx] {
			return []ValidationError{errf("CHECKBOX_DUPLICATE", "selection index %d appears twice", idx)}
		}
		seen[idx] = true
	}

	checked := len(selection)
	n := meta.ValidationLength
	switch meta.ValidationRule {
	case SelectAtLeast:
		if checked < n {
			return []ValidationError{errf("CHECKBOX_RULE", "at least %d options must be selected", n)}
		}
	case SelectExactly:
		if checked != n {
			return []ValidationError{errf("CHECKBOX_RULE", "exactly %d options must be selected", n)}
		}
	case SelectAtMost:
		if checked > n {
			return []ValidationError{errf("CHECKBOX_RULE", "at most %d options may be selected", n)}
		}
	case "":
		// No rule configured; any in-range selection is fine.
	default:
		return []ValidationError{errf("META_INVALID", "unknown checkbox rule %q", meta.ValidationRule)}
	}
	return nil
}

func validateOptions(metaJSON, value string) []ValidationError {
	var meta OptionsMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return []ValidationError{errf("META_INVALID", "option field meta is malformed")}
		}
	}
	for _, opt := range meta.Options {
		if value == opt.ID || value == opt.Value {
			return nil
		}
	}
	return []ValidationError{errf("OPTION_UNKNOWN", "value %q is not a configured option", value)}
}
