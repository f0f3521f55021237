package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/authcore/internal/models"
)

// bech32 charset of nostr public keys
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("scope", validateScope)
	_ = validate.RegisterValidation("npub", validateNpub)
	validate.RegisterTagNameFunc(useJSONTagNames)
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Use with 'dive' on slices: `validate:"required,dive,scope"`
func validateScope(fl validator.FieldLevel) bool {
	return models.Scope(fl.Field().String()).Valid()
}

// Nostr public key: 'npub1' and 58 bech32 chars
func validateNpub(fl validator.FieldLevel) bool {
	npub := fl.Field().String()
	if len(npub) != 63 || !strings.HasPrefix(npub, "npub1") {
		return false
	}
	for _, c := range npub[5:] {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}
	return true
}
