package services

import "errors"

// Typed errors returned by the session coordinator and the participant state
// machine. Handlers translate these into HTTP responses; nothing here is ever
// silently swallowed except the defensive double-aggregation guard, which is
// logged and short-circuited to the existing result.
var (
	// ErrSessionNotFound is returned when the session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrGroupNotFound is returned when a session references a missing group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrParticipationNotFound is returned when no participation row exists
	// for the (session, user) pair.
	ErrParticipationNotFound = errors.New("participation not found")

	// ErrNotParticipant is returned when the caller is authenticated but does
	// not own a participation in the session.
	ErrNotParticipant = errors.New("caller is not a participant of this session")

	// ErrInvalidState is returned for illegal state machine transitions, e.g.
	// submitting while already completed. Safe to retry the same logical
	// action: the failed call changes no state.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrSessionNotActive is returned when submitting to a cancelled or
	// already completed session.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrRecordingTooShort rejects submissions below MinRecordingSeconds
	// without changing participant state, any number of times.
	ErrRecordingTooShort = errors.New("recording is shorter than the minimum duration")

	// ErrNoParticipants rejects creating a session with an empty membership
	// snapshot.
	ErrNoParticipants = errors.New("session requires at least one participant")

	// ErrInference is returned after the bounded retry budget against the
	// emotion inference gateway is exhausted. The participation is left in
	// the errored state and may be retried with a fresh submission cycle.
	ErrInference = errors.New("emotion inference failed")

	// ErrResultNotReady is returned when reading a group result before the
	// session has completed. No partial aggregate is ever synthesized.
	ErrResultNotReady = errors.New("group result is not ready")

	// ErrAggregationConflict signals a violated concurrency invariant inside
	// the completion critical section: a completion attempt found the
	// session's completed count already covering every participant.
	ErrAggregationConflict = errors.New("session progress conflicts with an existing aggregate")
)
