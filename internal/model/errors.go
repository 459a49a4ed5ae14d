package model

import (
	"errors"
	"fmt"
)

var (
	ErrRiskNotFound      = errors.New("risk entry not found")
	ErrInvalidTransition = errors.New("invalid risk status transition")
	ErrProjectNotFound   = errors.New("project not found")
)

// ValidationError 边界输入校验失败（不会被静默修正）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
