package database

import "errors"

var (
	// ErrNotFound is returned when an addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveScanJob is returned when a scan job is created while another
	// non-terminal job exists.
	ErrActiveScanJob = errors.New("another scan job is still active")
)
