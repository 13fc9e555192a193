package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// a product may be claimed once per checkout
	v.RegisterStructValidation(createSessionStructValidation, CreateSessionRequest{})

	return v
}

func createSessionStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateSessionRequest)

	seen := make(map[string]struct{}, len(req.Items))
	for _, it := range req.Items {
		if _, dup := seen[it.ProductID]; dup {
			sl.ReportError(req.Items, "items", "Items", "unique_product", it.ProductID)
			return
		}
		seen[it.ProductID] = struct{}{}
	}
}
