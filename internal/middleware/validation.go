package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateMessageContent validates a user message body.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateEmployeeID validates an employee identifier.
func ValidateEmployeeID(id string) error {
	if len(id) == 0 {
		return errors.New("employee ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("employee ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("employee ID must be valid UTF-8")
	}
	return nil
}

// ValidateRunID validates a run identifier.
func ValidateRunID(id string) error {
	if len(id) == 0 {
		return errors.New("run ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("run ID exceeds maximum length")
	}
	return nil
}
