package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDepth(t *testing.T) {
	// Build a payload nested 12 levels deep.
	deep := `{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":{"a":1}}}}}}}}}}}}`
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(deep), &v))

	err := CheckDepth(v, 10)
	require.NotNil(t, err)
	assert.True(t, strings.HasPrefix(err.Path, "$.a.a"))

	shallow := map[string]interface{}{"a": []interface{}{map[string]interface{}{"b": 1.0}}}
	assert.Nil(t, CheckDepth(shallow, 10))
}

func TestCheckRange(t *testing.T) {
	assert.Nil(t, CheckRange("line_items[0].quantity", 1, 1, 999))

	err := CheckRange("line_items[2].unit_price", -5, 0, 1e9)
	require.NotNil(t, err)
	assert.Equal(t, "line_items[2].unit_price", err.Path)
}

func TestIdentifierChecks(t *testing.T) {
	assert.Nil(t, CheckNationalID("patient.national_id", "1023456789"))
	assert.NotNil(t, CheckNationalID("patient.national_id", "9023456789"))
	assert.NotNil(t, CheckNationalID("patient.national_id", "102345678"))

	assert.Nil(t, CheckFacilityID("facility_id", "42"))
	assert.NotNil(t, CheckFacilityID("facility_id", "0"))
	assert.NotNil(t, CheckFacilityID("facility_id", "abc"))

	assert.Nil(t, CheckSBSCode("line_items[0].sbs_code", "SBS-123-456"))
	assert.NotNil(t, CheckSBSCode("line_items[0].sbs_code", "PROC-123"))

	assert.Nil(t, CheckPhone("patient.phone", "+966501234567"))
	assert.NotNil(t, CheckPhone("patient.phone", "12"))

	assert.Nil(t, CheckClaimID("claim_id", "CLM-2026-0001"))
	assert.NotNil(t, CheckClaimID("claim_id", ""))
	assert.NotNil(t, CheckClaimID("claim_id", "-leading-dash"))
}

func TestFieldError_AsInvalidInput(t *testing.T) {
	fe := &FieldError{Path: "payer.member_id", Reason: "missing"}
	err := fe.AsInvalidInput("CLAIM_VALIDATION")

	assert.Equal(t, KindInvalidInput, err.Kind)
	assert.Equal(t, "payer.member_id", err.Details["field"])
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeValue("Authorization", "Bearer xyz"))
	assert.Equal(t, "[REDACTED]", SanitizeValue("db_password", "hunter2"))

	dsn := "host=db port=5432 password=hunter2 dbname=claims"
	assert.NotContains(t, SanitizeText(dsn), "hunter2")

	url := "postgres://claims:hunter2@db:5432/claims"
	assert.NotContains(t, SanitizeText(url), "hunter2")

	assert.Equal(t, "plain detail", SanitizeValue("detail", "plain detail"))
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 2048)
	out := Truncate(long, 1024)
	assert.Len(t, out, 1024+len("...(truncated)"))
	assert.Equal(t, "short", Truncate("short", 1024))
}
