package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the authenticator and the dispatcher.
// Validation errors wrap ErrInvalid so callers can test the class with errors.Is.
var (
	ErrInvalid            = errors.New("invalid request")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrAlreadyExists      = errors.New("already exists")
)

var (
	ErrUsernameEmpty        = fmt.Errorf("%w: username must not be empty", ErrInvalid)
	ErrUsernameTooLong      = fmt.Errorf("%w: username must not exceed %d characters", ErrInvalid, MaxUsernameLength)
	ErrUsernameInvalidChars = fmt.Errorf("%w: username must contain only alphanumeric characters, underscores, or hyphens", ErrInvalid)
	ErrPasswordTooShort     = fmt.Errorf("%w: password must be at least %d characters", ErrInvalid, MinPasswordLength)
	ErrPasswordTooLong      = fmt.Errorf("%w: password must not exceed %d characters", ErrInvalid, MaxPasswordLength)
	ErrInvalidRole          = fmt.Errorf("%w: role must be user or admin", ErrInvalid)
	ErrRecordIDEmpty        = fmt.Errorf("%w: record id must not be empty", ErrInvalid)
	ErrRecordIDTooLong      = fmt.Errorf("%w: record id must not exceed %d characters", ErrInvalid, MaxRecordIDLength)
	ErrRecordNameEmpty      = fmt.Errorf("%w: record name must not be empty", ErrInvalid)
	ErrRecordNameTooLong    = fmt.Errorf("%w: record name must not exceed %d characters", ErrInvalid, MaxRecordNameLength)
	ErrGenderTooLong        = fmt.Errorf("%w: gender must not exceed %d characters", ErrInvalid, MaxGenderLength)
	ErrScoreOutOfRange      = fmt.Errorf("%w: scores must be between %d and %d", ErrInvalid, MinScore, MaxScore)
	ErrNoFieldsToUpdate     = fmt.Errorf("%w: no fields to update", ErrInvalid)
)
