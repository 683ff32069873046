package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fitfusion/billing/pkg/validator"
)

func TestRules(t *testing.T) {
	t.Parallel()

	https := []string{"https"}
	tests := []struct {
		name string
		rule validator.Rule
		ok   bool
	}{
		{name: "required present", rule: validator.RequiredString("f", "basic"), ok: true},
		{name: "required blank", rule: validator.RequiredString("f", "  ")},
		{name: "max length counts runes", rule: validator.MaxLenString("f", "ünï", 3), ok: true},
		{name: "max length exceeded", rule: validator.MaxLenString("f", "basic", 4)},
		{name: "slug", rule: validator.ValidSlug("f", "pro_annual-2"), ok: true},
		{name: "slug with capitals", rule: validator.ValidSlug("f", "Pro")},
		{name: "slug with trailing separator", rule: validator.ValidSlug("f", "pro-")},
		{name: "slug empty", rule: validator.ValidSlug("f", "")},
		{name: "https url", rule: validator.ValidURLWithScheme("f", "https://app.example.com/ok", https), ok: true},
		{name: "wrong scheme", rule: validator.ValidURLWithScheme("f", "javascript://alert(1)", https)},
		{name: "relative url", rule: validator.ValidURLWithScheme("f", "/billing", https)},
		{name: "empty url", rule: validator.ValidURLWithScheme("f", "", https)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.ok, tt.rule.Check())
			assert.Equal(t, "f", tt.rule.Error.Field)
		})
	}
}
