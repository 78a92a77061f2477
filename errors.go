package claudepipe

import (
	"errors"
	"fmt"

	"github.com/claudepipe/claudepipe/proc"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the registry configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned for operations against a session that
	// has already reached its terminal state
	ErrSessionTerminated = errors.New("session terminated")

	// ErrSpawnFailed is returned when the subprocess binary cannot be
	// launched. The session never enters the registry.
	ErrSpawnFailed = proc.ErrSpawnFailed

	// ErrProcessDead is returned for operations against a session whose
	// subprocess has exited
	ErrProcessDead = proc.ErrProcessDead
)

// SessionError represents an error with additional context
type SessionError struct {
	Op        string         // Operation that failed
	Err       error          // Underlying error
	SessionID string         // Session ID if applicable
	Context   map[string]any // Additional context
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *SessionError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *SessionError) WithContext(key string, value any) *SessionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewSessionError creates a new SessionError
func NewSessionError(op string, err error) *SessionError {
	return &SessionError{
		Op:  op,
		Err: err,
	}
}

// NewSessionErrorWithSession creates a new SessionError with session ID
func NewSessionErrorWithSession(op string, sessionID string, err error) *SessionError {
	return &SessionError{
		Op:        op,
		Err:       err,
		SessionID: sessionID,
	}
}
