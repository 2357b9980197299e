package apitools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/pkg/mcperr"
)

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string"},
			"units": map[string]any{"type": "string", "default": "metric"},
		},
		"required": []any{"city"},
	}
}

func TestValidateParamsAppliesDefaults(t *testing.T) {
	out, err := ValidateParams(weatherSchema(), map[string]any{"city": "London"}, false)
	require.NoError(t, err)
	assert.Equal(t, "London", out["city"])
	assert.Equal(t, "metric", out["units"])
}

func TestValidateParamsDoesNotMutateInput(t *testing.T) {
	args := map[string]any{"city": "London"}
	_, err := ValidateParams(weatherSchema(), args, false)
	require.NoError(t, err)
	_, present := args["units"]
	assert.False(t, present, "defaults must land on the copy, not the caller's map")
}

func TestValidateParamsMissingRequired(t *testing.T) {
	_, err := ValidateParams(weatherSchema(), map[string]any{}, false)
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeInvalidParams, mcperr.CodeOf(err))

	var herr *mcperr.Error
	require.ErrorAs(t, err, &herr)
	violations := herr.Details["violations"].([]string)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "city")
}

func TestValidateParamsTypeMismatch(t *testing.T) {
	_, err := ValidateParams(weatherSchema(), map[string]any{"city": float64(7)}, false)
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeInvalidParams, mcperr.CodeOf(err))
}

func TestValidateParamsExactLength(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{"type": "string", "minLength": float64(2), "maxLength": float64(2)},
		},
	}

	for input, valid := range map[string]bool{"a": false, "ab": true, "abc": false} {
		_, err := ValidateParams(schema, map[string]any{"code": input}, false)
		if valid {
			assert.NoError(t, err, "input %q", input)
		} else {
			assert.Error(t, err, "input %q", input)
		}
	}
}

func TestValidateParamsStripUnknown(t *testing.T) {
	schema := weatherSchema()
	schema["additionalProperties"] = false
	args := map[string]any{"city": "London", "bogus": "x"}

	// Without stripping the unknown property fails validation.
	_, err := ValidateParams(schema, args, false)
	require.Error(t, err)

	out, err := ValidateParams(schema, args, true)
	require.NoError(t, err)
	_, present := out["bogus"]
	assert.False(t, present)
	assert.Equal(t, "London", out["city"])
}

func TestValidateParamsNestedDefaults(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"options": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"retries": map[string]any{"type": "number", "default": float64(2)},
				},
			},
		},
	}

	out, err := ValidateParams(schema, map[string]any{"options": map[string]any{}}, false)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["options"].(map[string]any)["retries"])
}

func TestValidateParamsNilSchema(t *testing.T) {
	out, err := ValidateParams(nil, map[string]any{"anything": "goes"}, false)
	require.NoError(t, err)
	assert.Equal(t, "goes", out["anything"])
}

func TestValidateParamsNilArgs(t *testing.T) {
	out, err := ValidateParams(map[string]any{"type": "object"}, nil, false)
	require.NoError(t, err)
	assert.NotNil(t, out)
}
