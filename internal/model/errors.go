package model

import (
	"errors"
	"fmt"
)

// ErrNotFound distinguishes "no such zone/prediction" from "no activity";
// callers translate it into a 404 rather than a zero count.
var ErrNotFound = errors.New("not found")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
