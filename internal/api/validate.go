package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var messages = map[string]string{
	"required": "The field '%s' is required.",
	"oneof":    "The field '%s' must be one of [%s].",
	"gte":      "The field '%s' must be greater than or equal to %s.",
	"lte":      "The field '%s' must be less than or equal to %s.",
}

// validateStruct returns field name to message for every failed rule on s.
func validateStruct(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg, ok := messages[e.Tag()]
		switch {
		case !ok:
			out[field] = fmt.Sprintf("Field '%s' is invalid: %s", field, e.Tag())
		case strings.Count(msg, "%s") == 2:
			out[field] = fmt.Sprintf(msg, field, e.Param())
		default:
			out[field] = fmt.Sprintf(msg, field)
		}
	}
	return out
}
