package domain

import "errors"

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindInvalidRequest         ErrorKind = "invalid_request"
	KindAlreadyExpired         ErrorKind = "already_expired"
	KindFullyClaimed           ErrorKind = "fully_claimed"
	KindAlreadyClaimed         ErrorKind = "already_claimed"
	KindNotEligible            ErrorKind = "not_eligible"
	KindScoreUnavailable       ErrorKind = "score_unavailable"
	KindSettlementFailed       ErrorKind = "settlement_failed"
	KindSettlementUnconfirmed  ErrorKind = "settlement_unconfirmed"
	KindConflictRetryExhausted ErrorKind = "conflict_retry_exhausted"
	KindRateLimited            ErrorKind = "rate_limited"
	KindPacketBusy             ErrorKind = "packet_busy"
)

// Error is a classified failure. Two Errors match under errors.Is when their
// kinds are equal, so the package sentinels can be used as kind checks.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for each kind. Match them with errors.Is.
var (
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "packet not found or expired"}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrAlreadyExpired         = &Error{Kind: KindAlreadyExpired, Message: "packet has expired"}
	ErrFullyClaimed           = &Error{Kind: KindFullyClaimed, Message: "packet fully claimed"}
	ErrAlreadyClaimed         = &Error{Kind: KindAlreadyClaimed, Message: "already claimed"}
	ErrNotEligible            = &Error{Kind: KindNotEligible, Message: "not eligible to claim this packet"}
	ErrScoreUnavailable       = &Error{Kind: KindScoreUnavailable, Message: "eligibility score unavailable"}
	ErrSettlementFailed       = &Error{Kind: KindSettlementFailed, Message: "settlement rejected by ledger"}
	ErrSettlementUnconfirmed  = &Error{Kind: KindSettlementUnconfirmed, Message: "settlement outcome unconfirmed; claim is under reconciliation"}
	ErrConflictRetryExhausted = &Error{Kind: KindConflictRetryExhausted, Message: "claim settled but pool bookkeeping could not be reconciled"}
	ErrRateLimited            = &Error{Kind: KindRateLimited, Message: "too many claim attempts"}
	ErrPacketBusy             = &Error{Kind: KindPacketBusy, Message: "packet is busy with another claim; retry shortly"}
)

// NewError builds a classified error with a specific message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Invalid is shorthand for an InvalidRequest error.
func Invalid(message string) *Error {
	return NewError(KindInvalidRequest, message)
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
