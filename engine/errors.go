package engine

import "errors"

var (
	ErrNotRegistered  = errors.New("detector not registered")
	ErrNotLoaded      = errors.New("model not loaded")
	ErrEmptyModel     = errors.New("model bytes are empty")
	ErrNoBuilder      = errors.New("no inference handle builder configured")
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrNoInputTensor  = errors.New("model has no input tensor")
	ErrInputTypeUnset = errors.New("input tensor type not supported")
)
