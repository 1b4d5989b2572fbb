package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
)

type joinPayload struct {
	SiteID    string `json:"siteId" validate:"required,identifier"`
	VisitorID string `json:"visitorId" validate:"required,identifier"`
	Name      string `json:"name" validate:"max=5"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      joinPayload
		wantErr string
	}{
		{name: "valid", in: joinPayload{SiteID: "site-1", VisitorID: "v_42"}},
		{name: "missing site", in: joinPayload{VisitorID: "v"}, wantErr: "field 'siteId' is required"},
		{name: "bad identifier", in: joinPayload{SiteID: "site 1", VisitorID: "v"}, wantErr: "field 'siteId' must be an identifier"},
		{name: "too long", in: joinPayload{SiteID: "s", VisitorID: "v", Name: "abcdefgh"}, wantErr: "field 'name' must not exceed 5"},
		{name: "identifier length", in: joinPayload{SiteID: strings.Repeat("a", 129), VisitorID: "v"}, wantErr: "siteId"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.in)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateVar(t *testing.T) {
	assert.NoError(t, ValidateVar("chat-1", "required,identifier"))
	err := ValidateVar("", "required")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
