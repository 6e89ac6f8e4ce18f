package task

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyProcessorType   = errors.New("task: processor type is empty")
	ErrProcessorTypeTooLong = fmt.Errorf("task: processor type exceeds %d characters", MaxProcessorTypeLength)
)

// ValidateProcessorType checks the naming rules shared by registration and submission.
func ValidateProcessorType(name string) error {
	if name == "" {
		return ErrEmptyProcessorType
	}
	if len(name) > MaxProcessorTypeLength {
		return ErrProcessorTypeTooLong
	}
	return nil
}
