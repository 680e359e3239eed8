package presence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyJoined        = errors.New("session already joined")
	ErrNotJoined            = errors.New("session not joined")
	ErrEmptyMessage         = errors.New("empty message")
	ErrMessagingUnavailable = errors.New("messaging channel unavailable")
	ErrInvalidIdentity      = errors.New("identity must be a 32-bit unsigned integer")
)

// RelayFailure means every send strategy failed. The message is still in the
// local history; only the relay was lost.
type RelayFailure struct {
	Attempts []StrategyError
}

// StrategyError is one failed send strategy.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *RelayFailure) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return "chat relay failed (" + strings.Join(parts, "; ") + ")"
}

func (e *RelayFailure) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// DriftCorrected is not an error. It is reported when a reconciliation
// changed the count or the roster.
type DriftCorrected struct {
	ChannelName string
	Before      int
	After       int
	Added       []string
	Removed     []string
}

func (d DriftCorrected) String() string {
	return fmt.Sprintf("channel=%s viewers %d→%d added=%v removed=%v",
		d.ChannelName, d.Before, d.After, d.Added, d.Removed)
}
