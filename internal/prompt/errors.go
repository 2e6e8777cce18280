package prompt

import "errors"

var (
	// ErrNotFound indicates an unknown prompt id.
	ErrNotFound = errors.New("prompt not found")

	// ErrAlreadyAnswered indicates a response to a prompt that already
	// left pending.
	ErrAlreadyAnswered = errors.New("prompt already answered")

	// ErrUnknownOption indicates a response with an option id the
	// prompt does not offer.
	ErrUnknownOption = errors.New("unknown option")
)
