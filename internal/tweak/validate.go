package tweak

import (
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/breeze-rmm/tweakagent/internal/validation"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validation.New()
		_ = v.RegisterValidation("commandtype", func(fl validator.FieldLevel) bool {
			return CommandType(fl.Field().String()).Valid()
		})
		validateInst = v
	})
	return validateInst
}

// Validate checks the structural rules of a definition before any module
// sees it. Module-specific policy (blocked paths, critical services) is
// enforced later at preflight.
func Validate(def Definition) error {
	if err := validatorInstance().Struct(def); err != nil {
		return NewValidationError(def.ID, "invalid tweak definition: %s", validation.Describe(err))
	}
	if def.Network != nil && def.Network.Action == NetworkSetDNS {
		if def.Network.InterfaceName == "" || len(def.Network.DNS) == 0 {
			return NewValidationError(def.ID, "network action SetDns requires interfaceName and dns")
		}
	}
	return nil
}
