package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path does not resolve in the active tree.
	ErrNotFound = errors.New("no such entry")

	// ErrNotADirectory is returned when a listing is requested on a photo.
	ErrNotADirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when photo content is requested on a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrReadOnly is returned by every mutating operation.
	ErrReadOnly = errors.New("read-only filesystem")

	// ErrInvalidArgument is returned for reads at a negative offset.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransportError reports a failed call to the camera.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("camera %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsTransport checks if an error is a TransportError and returns it.
func AsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// MalformedDataError reports a listing entry that could not be parsed.
type MalformedDataError struct {
	Folder string
	File   string
	Value  string
	Err    error
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed timestamp %q for %s/%s: %v", e.Value, e.Folder, e.File, e.Err)
}

func (e *MalformedDataError) Unwrap() error {
	return e.Err
}

// AsMalformed checks if an error is a MalformedDataError and returns it.
func AsMalformed(err error) (*MalformedDataError, bool) {
	var me *MalformedDataError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
