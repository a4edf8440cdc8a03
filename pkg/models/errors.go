package models

import "fmt"

// DownloadError is returned when every attempt to fetch a URL failed.
type DownloadError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("download %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// DecodeError is returned when CRL or TSL bytes cannot be interpreted.
type DecodeError struct {
	Source string
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%s): %v", e.Source, e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StateIOError marks a failed read or write against a state store.
type StateIOError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StateIOError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StateIOError) Unwrap() error { return e.Err }

// DispatchError is returned by the notifier once retries are exhausted.
type DispatchError struct {
	Kind     IntentKind
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
