package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncDisabled is returned when the kill switch is off and the engine
	// refuses to start a run
	ErrSyncDisabled = errors.New("sync disabled by kill switch")

	// ErrRunAlreadyActive is returned when another sync run holds the advisory lock
	ErrRunAlreadyActive = errors.New("another sync run is already active")

	// ErrRunFinalized is returned when attempting to mutate a sync run that has
	// already reached a terminal status
	ErrRunFinalized = errors.New("sync run already finalized")
)

// ConfigError indicates invalid or missing policy configuration.
// Fatal: the engine aborts before performing any I/O.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}

// TokenError indicates the authority API rejected our credentials.
// Fatal: the run aborts and the cached token is cleared.
type TokenError struct {
	StatusCode int
	Msg        string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token error (status %d): %s", e.StatusCode, e.Msg)
}

// TransientError indicates a retryable condition: network failure, timeout,
// 5xx or rate limiting. Retried with backoff; recorded as a batch failure once
// the retry budget is exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// DataError indicates a malformed or unexpected payload shape. Non-retryable;
// recorded as a skipped batch or skipped row depending on granularity.
type DataError struct {
	Msg string
	Err error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("data error: %s", e.Msg)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// ThresholdBreach indicates a post-comparison anomaly. Fatal only when the
// engine runs in production mode.
type ThresholdBreach struct {
	Metric       string
	DeltaPct     float64
	ThresholdPct float64
}

func (e *ThresholdBreach) Error() string {
	return fmt.Sprintf("threshold breach: %s moved %.2f%% (threshold %.2f%%)",
		e.Metric, e.DeltaPct, e.ThresholdPct)
}

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTokenError reports whether err is a fatal credential rejection
func IsTokenError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}

// IsDataError reports whether err is a non-retryable payload error
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
