// Package pipeerr defines the error taxonomy shared by the pipe subsystem.
//
// Configuration errors are detected before any state mutation and are
// surfaced verbatim. Duplicate-name and not-found errors are caller logic
// errors. Quorum-unavailable and not-leader errors are transient: callers
// are expected to retry with backoff. Probe timeouts never leave the
// membership tracker.
package pipeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the class of all *ConfigurationError values.
	ErrConfiguration = errors.New("invalid pipe configuration")
	// ErrDuplicateName is returned when a non-dropped pipe already has the name.
	ErrDuplicateName = errors.New("pipe already exists")
	// ErrNotFound is returned when no live pipe has the name.
	ErrNotFound = errors.New("pipe not found")
	// ErrQuorumUnavailable is returned when a coordinator majority cannot commit.
	ErrQuorumUnavailable = errors.New("coordinator quorum unavailable")
	// ErrNotLeader is returned when the local coordinator cannot accept proposals.
	ErrNotLeader = errors.New("not the coordinator leader")
	// ErrProbeTimeout marks a liveness probe that did not answer in time.
	ErrProbeTimeout = errors.New("probe timed out")
)

// ConfigurationError describes one rejected attribute.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

// Configuration builds a *ConfigurationError.
func Configuration(field, value, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s=%q: %s", ErrConfiguration, e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NotLeaderError carries the last known leader so callers can redirect.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return fmt.Sprintf("%s: leader unknown", ErrNotLeader)
	}
	return fmt.Sprintf("%s: leader=%s addr=%s", ErrNotLeader, e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// QuorumUnavailable wraps cause as an ErrQuorumUnavailable.
func QuorumUnavailable(cause error) error {
	if cause == nil {
		return ErrQuorumUnavailable
	}
	return fmt.Errorf("%w: %v", ErrQuorumUnavailable, cause)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsTransient reports whether the caller should retry err with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrQuorumUnavailable) || errors.Is(err, ErrNotLeader)
}
