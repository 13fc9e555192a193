package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
)

// BindAndValidate decodes the JSON body into `out`, rejecting unknown
// fields and trailing data, and runs validation.
// If either fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := decodeStrict(c.Request.Body, out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  apperr.CodeInvalidRequest,
		})
		return err
	}
	return Validate(c, out, v)
}

// BindQueryAndValidate binds query parameters into `out` and runs validation.
func BindQueryAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindQuery(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid query",
			"code":  apperr.CodeInvalidRequest,
		})
		return err
	}
	return Validate(c, out, v)
}

// Validate runs v over out and writes a 400 listing the failing fields.
func Validate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := v.Struct(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"code":   apperr.CodeValidationFailed,
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func decodeStrict(r io.Reader, out interface{}) error {
	if r == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Namespace()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
