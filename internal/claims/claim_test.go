package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClaim() *Claim {
	return &Claim{
		ClaimID:    "CLM-2026-0001",
		FacilityID: 1,
		ClaimType:  TypeProfessional,
		Patient: Patient{
			Name:       "Test Patient",
			NationalID: "1023456789",
			Age:        34,
			Gender:     "male",
		},
		Payer:          Payer{PayerID: "P1", MemberID: "M-100"},
		ServiceDate:    "2026-02-05",
		DiagnosisCodes: []string{"R51"},
		LineItems: []LineItem{
			{Sequence: 1, InternalCode: "PROC-12345", Quantity: 1, UnitPrice: 200.00, ServiceDate: "2026-02-05"},
		},
	}
}

func TestClaimValidate_OK(t *testing.T) {
	assert.Nil(t, validClaim().Validate())
}

func TestClaimValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Claim)
		path   string
	}{
		{"empty line items", func(c *Claim) { c.LineItems = nil }, "line_items"},
		{"zero quantity", func(c *Claim) { c.LineItems[0].Quantity = 0 }, "line_items[0].quantity"},
		{"negative price", func(c *Claim) { c.LineItems[0].UnitPrice = -1 }, "line_items[0].unit_price"},
		{"zero net", func(c *Claim) { c.LineItems[0].UnitPrice = 0 }, "line_items"},
		{"bad claim type", func(c *Claim) { c.ClaimType = "dental" }, "claim_type"},
		{"bad national id", func(c *Claim) { c.Patient.NationalID = "999" }, "patient.national_id"},
		{"bad service date", func(c *Claim) { c.ServiceDate = "05/02/2026" }, "service_date"},
		{"missing payer", func(c *Claim) { c.Payer.PayerID = "" }, "payer.payer_id"},
		{"missing internal code", func(c *Claim) { c.LineItems[0].InternalCode = "" }, "line_items[0].internal_code"},
		{"bad claim id", func(c *Claim) { c.ClaimID = "" }, "claim_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaim()
			tt.mutate(c)
			fe := c.Validate()
			require.NotNil(t, fe)
			assert.Equal(t, tt.path, fe.Path)
		})
	}
}

func TestStageOrderAndStates(t *testing.T) {
	assert.Equal(t, 0, StageNormalize.Index())
	assert.Equal(t, 3, StageSubmit.Index())
	assert.Equal(t, -1, Stage("unknown").Index())

	assert.True(t, StateSubmitted.Terminal())
	assert.True(t, FailedState(StageSign).Terminal())
	assert.Equal(t, State("failed:signing"), FailedState(StageSign))
	assert.False(t, StatePricing.Terminal())
	assert.False(t, StateReceived.Terminal())
}
