package ingest

import "errors"

// ErrRunNotRecorded is returned by Start when the run record cannot be written.
var ErrRunNotRecorded = errors.New("run record could not be created")

// InvalidInputError rejects a run request before any source is touched.
type InvalidInputError struct {
	Message string
	Err     error
}

func (e *InvalidInputError) Error() string { return e.Message }
func (e *InvalidInputError) Unwrap() error { return e.Err }

// ConfigurationError reports missing credentials or collaborators. Like
// InvalidInputError it aborts the run before the source loop.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }
