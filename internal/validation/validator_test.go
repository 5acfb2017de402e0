package validation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transfer struct {
	To     string      `json:"to" validate:"required,tron"`
	Amount json.Number `json:"amount" validate:"required,decimal"`
}

func TestTronRule(t *testing.T) {
	assert.True(t, IsTronAddress("TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"))
	assert.False(t, IsTronAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F"))
	assert.False(t, IsTronAddress("TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeB0"))
	assert.False(t, IsTronAddress("TXYZ"))
}

func TestDecodeAndValidate(t *testing.T) {
	v := New()

	var ok transfer
	require.NoError(t, DecodeAndValidate(strings.NewReader(
		`{"to":"TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf","amount":10.042}`), &ok, v))
	assert.Equal(t, "10.042", ok.Amount.String())

	cases := map[string]string{
		"bad address":     `{"to":"nope","amount":"1"}`,
		"zero amount":     `{"to":"TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf","amount":0}`,
		"too precise":     `{"to":"TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf","amount":1.0000001}`,
		"missing amount":  `{"to":"TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"}`,
		"not json at all": `amount=1`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var out transfer
			err := DecodeAndValidate(strings.NewReader(body), &out, v)
			var verr *Error
			require.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestDecodeAndValidate_ReportsFields(t *testing.T) {
	var out transfer
	err := DecodeAndValidate(strings.NewReader(`{"to":"nope","amount":"1"}`), &out, New())
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "tron", verr.Fields["To"])
}
