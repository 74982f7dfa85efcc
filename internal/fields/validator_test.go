package fields

import (
	"testing"

	"github.com/seal-protocol/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNumber(t *testing.T) {
	meta := `{"minValue": 10, "maxValue": 100}`

	assert.Empty(t, Validate(models.FieldNumber, meta, "42"))
	assert.Empty(t, Validate(models.FieldNumber, meta, "10"))
	assert.Empty(t, Validate(models.FieldNumber, meta, "100"))
	assert.Empty(t, Validate(models.FieldNumber, "", "-3.5"))
	assert.Empty(t, Validate(models.FieldNumber, "", "1,234.5"))

	errs := Validate(models.FieldNumber, meta, "9")
	require.Len(t, errs, 1)
	assert.Equal(t, "NUMBER_MIN", errs[0].Code)

	errs = Validate(models.FieldNumber, meta, "101")
	require.Len(t, errs, 1)
	assert.Equal(t, "NUMBER_MAX", errs[0].Code)

	errs = Validate(models.FieldNumber, meta, "not a number")
	require.Len(t, errs, 1)
	assert.Equal(t, "NUMBER_PARSE", errs[0].Code)
}

func TestValidateNumberCommaDecimal(t *testing.T) {
	meta := `{"numberFormat": "comma-decimal", "maxValue": 2000}`

	assert.Empty(t, Validate(models.FieldNumber, meta, "1.234,5"))

	errs := Validate(models.FieldNumber, meta, "2.500,0")
	require.Len(t, errs, 1)
	assert.Equal(t, "NUMBER_MAX", errs[0].Code)
}

func TestValidateText(t *testing.T) {
	assert.Empty(t, Validate(models.FieldText, `{"characterLimit": 5}`, "abcde"))

	errs := Validate(models.FieldText, `{"characterLimit": 5}`, "abcdef")
	require.Len(t, errs, 1)
	assert.Equal(t, "TEXT_TOO_LONG", errs[0].Code)

	readOnly := `{"readOnly": true, "text": "preset"}`
	assert.Empty(t, Validate(models.FieldText, readOnly, "preset"))
	errs = Validate(models.FieldText, readOnly, "changed")
	require.Len(t, errs, 1)
	assert.Equal(t, "TEXT_READ_ONLY", errs[0].Code)
}

func TestValidateCheckboxSelectExactly(t *testing.T) {
	meta := `{
		"options": [{"id":"a","value":"A"},{"id":"b","value":"B"},{"id":"c","value":"C"}],
		"validationRule": "SELECT_EXACTLY",
		"validationLength": 2
	}`

	assert.Empty(t, Validate(models.FieldCheckbox, meta, "[0,1]"))

	errs := Validate(models.FieldCheckbox, meta, "[0]")
	require.Len(t, errs, 1)
	assert.Equal(t, "CHECKBOX_RULE", errs[0].Code)

	errs = Validate(models.FieldCheckbox, meta, "[0,1,2]")
	require.Len(t, errs, 1)
	assert.Equal(t, "CHECKBOX_RULE", errs[0].Code)
}

func TestValidateCheckboxSelection(t *testing.T) {
	meta := `{"options": [{"id":"a","value":"A"},{"id":"b","value":"B"}]}`

	assert.Empty(t, Validate(models.FieldCheckbox, meta, "[]"))
	assert.Empty(t, Validate(models.FieldCheckbox, meta, "[1]"))

	errs := Validate(models.FieldCheckbox, meta, "[2]")
	require.Len(t, errs, 1)
	assert.Equal(t, "CHECKBOX_RANGE", errs[0].Code)

	errs = Validate(models.FieldCheckbox, meta, "[0,0]")
	require.Len(t, errs, 1)
	assert.Equal(t, "CHECKBOX_DUPLICATE", errs[0].Code)

	errs = Validate(models.FieldCheckbox, meta, "checked")
	require.Len(t, errs, 1)
	assert.Equal(t, "CHECKBOX_DECODE", errs[0].Code)
}

func TestValidateOptionFields(t *testing.T) {
	meta := `{"options": [{"id":"opt-1","value":"Yes"},{"id":"opt-2","value":"No"}]}`

	// Both the option id and its display value are accepted.
	assert.Empty(t, Validate(models.FieldRadio, meta, "opt-1"))
	assert.Empty(t, Validate(models.FieldDropdown, meta, "No"))

	errs := Validate(models.FieldRadio, meta, "Maybe")
	require.Len(t, errs, 1)
	assert.Equal(t, "OPTION_UNKNOWN", errs[0].Code)
}

func TestValidateSignature(t *testing.T) {
	assert.Empty(t, Validate(models.FieldSignature, "", "data:image/png;base64,iVBOR"))

	errs := Validate(models.FieldSignature, "", "   ")
	require.Len(t, errs, 1)
	assert.Equal(t, "SIGNATURE_EMPTY", errs[0].Code)
}

func TestValidateAlwaysValidTypes(t *testing.T) {
	assert.Empty(t, Validate(models.FieldDate, "", "ignored"))
	assert.Empty(t, Validate(models.FieldName, "", "Jane Doe"))
	assert.Empty(t, Validate(models.FieldEmail, "", "jane@example.com"))
}
