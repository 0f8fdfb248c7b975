package model

import "errors"

var (
	// ErrMissingPrimaryKey is returned when a merge load has no key to merge on.
	ErrMissingPrimaryKey = errors.New("merge write disposition requires a primary key")
	// ErrUnknownDisposition is returned by destinations for dispositions they do not implement.
	ErrUnknownDisposition = errors.New("unknown write disposition")
)
