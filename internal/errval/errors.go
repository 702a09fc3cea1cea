package errval

import (
	"errors"
)

var (
	ErrInternal     = errors.New("internal server error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrLockHeld     = errors.New("write lock held by another consumer")
)
