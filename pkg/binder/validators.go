package binder

import (
	"github.com/go-playground/validator/v10"
	"github.com/koboldbooks/kobold/pkg/models"
)

// readingStatusValidator ensures the value is one of the known reading
// statuses or the empty string. The empty string is allowed because Kobo
// devices omit the status on partial state updates; add `required` to the
// validate tag when the status must be present.
func readingStatusValidator(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	switch value {
	case "", models.ReadingStatusUnread, models.ReadingStatusReading, models.ReadingStatusFinished:
		return true
	}
	return false
}
