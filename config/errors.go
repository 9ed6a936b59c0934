package config

import "errors"

var (
	// ErrNotFound is returned by Load when the file does not exist.
	ErrNotFound = errors.New("config: file not found")

	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid")
)
