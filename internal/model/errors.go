package model

import (
	"errors"
	"fmt"
)

// Admission-fatal errors abort a file before row processing. They always
// produce an InfAck failure row and are never retried.
var (
	ErrInvalidFileKey = errors.New("invalid file key")
	ErrPermission     = errors.New("supplier lacks permission for category")
	ErrDuplicateFile  = errors.New("duplicate file")
	ErrEmptyFile      = errors.New("empty file")
	ErrInvalidHeaders = errors.New("file headers are invalid")
)

// Audit store errors. ErrDuplicateKey and ErrRecordNotFound surface failed
// conditional writes; ErrQueueBusy means another file for the same queue
// name already holds the Processing slot.
var (
	ErrDuplicateKey   = errors.New("audit record already exists")
	ErrRecordNotFound = errors.New("audit record not found")
	ErrQueueBusy      = errors.New("another file is processing for this queue")
)

// InvalidFileKeyError carries the sub-reason for a file name rejection.
type InvalidFileKeyError struct {
	Reason string
}

func (e *InvalidFileKeyError) Error() string {
	return fmt.Sprintf("initial file validation failed: %s", e.Reason)
}

func (e *InvalidFileKeyError) Unwrap() error { return ErrInvalidFileKey }

// IsAdmissionFatal reports whether the error belongs to the admission-fatal
// class: the file is rejected, acknowledged and archived, never retried.
func IsAdmissionFatal(err error) bool {
	return errors.Is(err, ErrInvalidFileKey) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrDuplicateFile) ||
		errors.Is(err, ErrEmptyFile) ||
		errors.Is(err, ErrInvalidHeaders)
}
