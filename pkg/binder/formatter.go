package binder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
	"github.com/segmentio/encoding/json"
)

const (
	gte           = "gte"
	lte           = "lte"
	mx            = "max"
	mn            = "min"
	oneof         = "oneof"
	readingstatus = "readingstatus"
	required      = "required"
	urlTag        = "url"
)

func formatUnmarshalTypeError(err *json.UnmarshalTypeError) string {
	return fmt.Sprintf("%q should be of type %s", strings.Trim(err.Field, "."), err.Type)
}

func formatSchemaConversionError(err schema.ConversionError) string {
	return fmt.Sprintf("%q should be of type %s", err.Key, err.Type)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()

	switch err.Tag() {
	case gte:
		return fmt.Sprintf("%q must be greater than or equal to %s", field, err.Param())
	case lte:
		return fmt.Sprintf("%q must be less than or equal to %s", field, err.Param())
	case mx:
		if err.Kind() == reflect.String || err.Kind() == reflect.Slice {
			resource := "character"
			if err.Kind() == reflect.Slice {
				resource = "element"
			}
			if err.Param() != "1" {
				resource += "s"
			}
			return fmt.Sprintf("%q length must be less than or equal to %s %s", field, err.Param(), resource)
		}
		return fmt.Sprintf("%q must be less than or equal to %s", field, err.Param())
	case mn:
		if err.Kind() == reflect.String || err.Kind() == reflect.Slice {
			resource := "character"
			if err.Kind() == reflect.Slice {
				resource = "element"
			}
			if err.Param() != "1" {
				resource += "s"
			}
			return fmt.Sprintf("%q length must be greater than or equal to %s %s", field, err.Param(), resource)
		}
		return fmt.Sprintf("%q must be greater than or equal to %s", field, err.Param())
	case oneof:
		valids := []string{}
		for _, p := range strings.Fields(err.Param()) {
			valids = append(valids, fmt.Sprintf("%q", p))
		}
		return fmt.Sprintf("%q must be one of the following: %s", field, strings.Join(valids, ", "))
	case readingstatus:
		return fmt.Sprintf("%q must be one of the following: %q, %q, %q", field, "Unread", "Reading", "Finished")
	case required:
		return fmt.Sprintf("%q is required", field)
	case urlTag:
		return fmt.Sprintf("%q is not a valid URL", field)
	default:
		return fmt.Sprintf("%q is invalid", field)
	}
}
