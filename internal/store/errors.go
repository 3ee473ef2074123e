package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUninitialized      = errors.New("sync state not initialized")
	ErrAlreadyInitialized = errors.New("sync state already initialized")
	ErrVersionConflict    = errors.New("version conflict")
	ErrStorage            = errors.New("storage failure")

	errDuplicateID = errors.New("duplicate document id")
)

// StorageError wraps a driver failure. It matches ErrStorage under errors.Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
