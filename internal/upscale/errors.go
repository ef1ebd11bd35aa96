package upscale

import (
	"errors"
	"fmt"
)

// ValidationError reports input rejected before any processing
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// DecodeError reports input bytes that are not a readable image
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Invalid image data: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ResourceError reports a model that could not be prepared
type ResourceError struct {
	Scale int
	Err   error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("failed to prepare model for scale %dx: %v", e.Scale, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// TransformError reports a failure while producing the output image
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string {
	return e.Err.Error()
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err was caused by the request itself
func IsClientError(err error) bool {
	var ve *ValidationError
	var de *DecodeError
	return errors.As(err, &ve) || errors.As(err, &de)
}

func asValidation(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Msg: err.Error()}
}

func asDecode(err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Err: err}
}

func asResource(scale int, err error) error {
	var re *ResourceError
	if errors.As(err, &re) {
		return err
	}
	return &ResourceError{Scale: scale, Err: err}
}

func asTransform(err error) error {
	var te *TransformError
	if errors.As(err, &te) {
		return err
	}
	return &TransformError{Err: err}
}
