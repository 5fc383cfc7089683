package store

import "errors"

var (
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("box is locked by another reschedule")
)
