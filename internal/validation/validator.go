package validation

import (
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// base58 TRON address: 'T' followed by 33 chars, no 0 O I l
var tronAddress = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)

// New returns a validator with the payment tags registered:
//
//	tron     TRON base58 address
//	decimal  positive decimal literal with at most 6 fractional digits
func New() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("tron", func(fl validatorv10.FieldLevel) bool {
		return tronAddress.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("decimal", func(fl validatorv10.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil || !d.IsPositive() {
			return false
		}
		return d.Exponent() >= -6 || d.Shift(6).IsInteger()
	})
	return v
}

func IsTronAddress(s string) bool { return tronAddress.MatchString(s) }
