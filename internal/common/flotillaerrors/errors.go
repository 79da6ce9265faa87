// Package flotillaerrors contains the error types returned by the
// coordinator components. Callers recover the concrete type with
// errors.As to decide how to respond; everything else is treated as an
// internal error.
//
// If multiple independent errors occur in some function (e.g., while
// releasing several resources during cleanup), that function should
// return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual
// errors.
package flotillaerrors

import (
	"fmt"
)

// ErrInvalidConfiguration indicates a training configuration that failed
// validation. No allocation or statistics mutation has happened when it
// is returned.
type ErrInvalidConfiguration struct {
	// Message names the violated constraint.
	Message string
}

func (err *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid training configuration: %s", err.Message)
}

// ErrNodeNotFound is returned when an operation references an unregistered node.
type ErrNodeNotFound struct {
	NodeId string
}

func (err *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %q does not exist", err.NodeId)
}

// ErrTaskNotFound is returned when an operation references an unknown task.
type ErrTaskNotFound struct {
	TaskId string
}

func (err *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("task %q does not exist", err.TaskId)
}

// ErrSessionNotFound is returned when an operation references an unknown training session.
type ErrSessionNotFound struct {
	SessionId string
}

func (err *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("training session %q does not exist", err.SessionId)
}

// ErrNoAvailableNodes is returned when the candidate set for an assignment is empty.
// Algorithm is optional and omitted from the message if not provided.
type ErrNoAvailableNodes struct {
	Algorithm string
}

func (err *ErrNoAvailableNodes) Error() string {
	if err.Algorithm != "" {
		return fmt.Sprintf("no available nodes support algorithm %q", err.Algorithm)
	}
	return "no available nodes"
}

// ErrInsufficientNodes is returned when fewer nodes are eligible than a
// session's minimum node count requires.
type ErrInsufficientNodes struct {
	Required  int
	Available int
}

func (err *ErrInsufficientNodes) Error() string {
	return fmt.Sprintf("insufficient nodes: %d required but only %d available", err.Required, err.Available)
}

// ErrInvalidPhase is returned when a session operation is attempted from a
// phase it is not legal in.
type ErrInvalidPhase struct {
	SessionId string
	Current   string
	Expected  string
}

func (err *ErrInvalidPhase) Error() (s string) {
	s = fmt.Sprintf("session %q is in phase %q", err.SessionId, err.Current)
	if err.Expected != "" {
		s = s + fmt.Sprintf("; expected %q", err.Expected)
	}
	return
}

// ErrRecoveryExhausted indicates a failure whose recovery was attempted the
// maximum number of times without success.
type ErrRecoveryExhausted struct {
	FailureId string
	Attempts  int
}

func (err *ErrRecoveryExhausted) Error() string {
	return fmt.Sprintf("recovery for failure %q exhausted after %d attempts", err.FailureId, err.Attempts)
}

// ErrChecksumMismatch indicates a snapshot whose content does not match its
// recorded checksum. Restores return it without touching live state.
type ErrChecksumMismatch struct {
	SnapshotId string
	Expected   string
	Actual     string
}

func (err *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("snapshot %q checksum mismatch: expected %s but computed %s", err.SnapshotId, err.Expected, err.Actual)
}
