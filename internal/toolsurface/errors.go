package toolsurface

import (
	"errors"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
	"github.com/steveyegge/swarmguard/internal/config"
)

// ErrorKind is the caller-facing error vocabulary from spec §7. It is
// a closed set distinct from claimtypes' sentinel errors so transport
// bindings (HTTP, stdio-RPC) never need to know a Go error type.
type ErrorKind string

const (
	KindUnknownIssue         ErrorKind = "UnknownIssue"
	KindAlreadyClaimed       ErrorKind = "AlreadyClaimed"
	KindNotClaimed           ErrorKind = "NotClaimed"
	KindNotOwner             ErrorKind = "NotOwner"
	KindInvalidTransition    ErrorKind = "InvalidTransition"
	KindMaxClaimsExceeded    ErrorKind = "MaxClaimsExceeded"
	KindValidationError      ErrorKind = "ValidationError"
	KindInGrace              ErrorKind = "InGrace"
	KindNotStealable         ErrorKind = "NotStealable"
	KindCrossTypeNotAllowed  ErrorKind = "CrossTypeNotAllowed"
	KindProtectedByProgress  ErrorKind = "ProtectedByProgress"
	KindStealerOverloaded    ErrorKind = "StealerOverloaded"
	KindNoActiveSteal        ErrorKind = "NoActiveSteal"
	KindWindowClosed         ErrorKind = "WindowClosed"
	KindNotEligibleContester ErrorKind = "NotEligibleContester"
	KindHandoffNotFound      ErrorKind = "HandoffNotFound"
	KindContestPending       ErrorKind = "ContestPending"
	KindTimeout              ErrorKind = "Timeout"
	KindConflict             ErrorKind = "Conflict"
	KindInternal             ErrorKind = "Internal"
)

// ErrorInfo is the error half of every result record. A nil *ErrorInfo
// means the operation succeeded.
type ErrorInfo struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// mapError translates a core sentinel error (or a wrapped one) into
// the caller-facing ErrorKind. Anything unrecognized is Internal so
// the boundary never leaks a raw Go error to a transport.
func mapError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindInternal
	switch {
	case errors.Is(err, claimtypes.ErrUnknownIssue):
		kind = KindUnknownIssue
	case errors.Is(err, claimtypes.ErrAlreadyClaimed):
		kind = KindAlreadyClaimed
	case errors.Is(err, claimtypes.ErrNotClaimed):
		kind = KindNotClaimed
	case errors.Is(err, claimtypes.ErrNotOwner):
		kind = KindNotOwner
	case errors.Is(err, claimtypes.ErrInvalidTransition):
		kind = KindInvalidTransition
	case errors.Is(err, claimtypes.ErrMaxClaimsExceeded):
		kind = KindMaxClaimsExceeded
	case errors.Is(err, claimtypes.ErrValidationError):
		kind = KindValidationError
	case errors.Is(err, claimtypes.ErrInGrace):
		kind = KindInGrace
	case errors.Is(err, claimtypes.ErrAlreadyStealable), errors.Is(err, claimtypes.ErrNotStealable):
		kind = KindNotStealable
	case errors.Is(err, claimtypes.ErrCrossTypeNotAllowed):
		kind = KindCrossTypeNotAllowed
	case errors.Is(err, claimtypes.ErrProtectedByProgress):
		kind = KindProtectedByProgress
	case errors.Is(err, claimtypes.ErrStealerOverloaded):
		kind = KindStealerOverloaded
	case errors.Is(err, claimtypes.ErrNoActiveSteal):
		kind = KindNoActiveSteal
	case errors.Is(err, claimtypes.ErrWindowClosed):
		kind = KindWindowClosed
	case errors.Is(err, claimtypes.ErrNotEligibleContester):
		kind = KindNotEligibleContester
	case errors.Is(err, claimtypes.ErrHandoffNotFound):
		kind = KindHandoffNotFound
	case errors.Is(err, claimtypes.ErrContestPending):
		kind = KindContestPending
	case errors.Is(err, claimtypes.ErrTimeout):
		kind = KindTimeout
	case errors.Is(err, claimtypes.ErrConflict), errors.Is(err, claimtypes.ErrRebalanceCooldown):
		kind = KindConflict
	case errors.Is(err, claimtypes.ErrInternal):
		kind = KindInternal
	case errors.Is(err, config.ErrInvalidConfigValue):
		kind = KindValidationError
	}
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}
