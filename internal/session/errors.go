package session

import (
	"errors"
	"fmt"
)

// ErrorKind names one entry of the rejection taxonomy shared with peers.
type ErrorKind string

const (
	KindUserRejected              ErrorKind = "USER_REJECTED"
	KindUserRejectedChains        ErrorKind = "USER_REJECTED_CHAINS"
	KindUserRejectedMethods       ErrorKind = "USER_REJECTED_METHODS"
	KindUserRejectedEvents        ErrorKind = "USER_REJECTED_EVENTS"
	KindUnsupportedChains         ErrorKind = "UNSUPPORTED_CHAINS"
	KindUnsupportedAccounts       ErrorKind = "UNSUPPORTED_ACCOUNTS"
	KindUnsupportedNamespaceKey   ErrorKind = "UNSUPPORTED_NAMESPACE_KEY"
	KindEmptyNamespaces           ErrorKind = "EMPTY_NAMESPACES"
	KindInvalidSessionRequest     ErrorKind = "INVALID_SESSION_REQUEST"
	KindInvalidEvent              ErrorKind = "INVALID_EVENT"
	KindInvalidUpdateRequest      ErrorKind = "INVALID_UPDATE_REQUEST"
	KindInvalidExtendRequest      ErrorKind = "INVALID_EXTEND_REQUEST"
	KindInvalidSessionProperties  ErrorKind = "INVALID_SESSION_PROPERTIES"
	KindUnauthorizedMethod        ErrorKind = "UNAUTHORIZED_METHOD"
	KindUnauthorizedEvent         ErrorKind = "UNAUTHORIZED_EVENT"
	KindUnauthorizedUpdate        ErrorKind = "UNAUTHORIZED_UPDATE_REQUEST"
	KindUnauthorizedExtend        ErrorKind = "UNAUTHORIZED_EXTEND_REQUEST"
	KindUnauthorizedTargetChainID ErrorKind = "UNAUTHORIZED_TARGET_CHAIN_ID"
	KindUserDisconnected          ErrorKind = "USER_DISCONNECTED"
	KindRequestExpired            ErrorKind = "SESSION_REQUEST_EXPIRED"
)

var kindCodes = map[ErrorKind]int{
	KindUserRejected:              5000,
	KindUserRejectedChains:        5001,
	KindUserRejectedMethods:       5002,
	KindUserRejectedEvents:        5003,
	KindUnsupportedChains:         5100,
	KindUnsupportedAccounts:       5103,
	KindUnsupportedNamespaceKey:   5104,
	KindEmptyNamespaces:           1005,
	KindInvalidSessionRequest:     1001,
	KindInvalidEvent:              1002,
	KindInvalidUpdateRequest:      1003,
	KindInvalidExtendRequest:      1004,
	KindInvalidSessionProperties:  1006,
	KindUnauthorizedMethod:        3001,
	KindUnauthorizedEvent:         3002,
	KindUnauthorizedUpdate:        3003,
	KindUnauthorizedExtend:        3004,
	KindUnauthorizedTargetChainID: 3005,
	KindUserDisconnected:          6000,
	KindRequestExpired:            8000,
}

var kindMessages = map[ErrorKind]string{
	KindUserRejected:              "User rejected.",
	KindUserRejectedChains:        "User rejected chains.",
	KindUserRejectedMethods:       "User rejected methods.",
	KindUserRejectedEvents:        "User rejected events.",
	KindUnsupportedChains:         "Unsupported chains.",
	KindUnsupportedAccounts:       "Unsupported accounts.",
	KindUnsupportedNamespaceKey:   "Unsupported namespace key.",
	KindEmptyNamespaces:           "Invalid namespaces.",
	KindInvalidSessionRequest:     "Invalid session request.",
	KindInvalidEvent:              "Invalid event.",
	KindInvalidUpdateRequest:      "Invalid update request.",
	KindInvalidExtendRequest:      "Invalid extend request.",
	KindInvalidSessionProperties:  "Invalid session properties.",
	KindUnauthorizedMethod:        "Unauthorized method.",
	KindUnauthorizedEvent:         "Unauthorized event.",
	KindUnauthorizedUpdate:        "Unauthorized update request.",
	KindUnauthorizedExtend:        "Unauthorized extend request.",
	KindUnauthorizedTargetChainID: "Unauthorized target chain id.",
	KindUserDisconnected:          "User disconnected.",
	KindRequestExpired:            "Session request expired.",
}

// ValidationError is a typed rejection. Code and message go back to the peer verbatim.
type ValidationError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func NewValidationError(kind ErrorKind, detail string) *ValidationError {
	msg := kindMessages[kind]
	if detail != "" {
		msg = fmt.Sprintf("%s %s", msg, detail)
	}
	return &ValidationError{Kind: kind, Code: kindCodes[kind], Message: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// Is matches any ValidationError of the same kind, so errors.Is works against
// values built with NewValidationError(kind, "").
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of a *ValidationError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var v *ValidationError
	if !errors.As(err, &v) {
		return "", false
	}
	return v.Kind, true
}

func CodeOf(kind ErrorKind) int {
	return kindCodes[kind]
}

var (
	ErrProposalNotFound    = errors.New("proposal not found")
	ErrProposalExpired     = errors.New("proposal expired")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrNotController       = errors.New("only the session controller may do this")
	ErrAuthRequestNotFound = errors.New("authenticate request not found")
	ErrAuthRequestExpired  = errors.New("authenticate request expired")
	ErrNoCacaos            = errors.New("no cacaos in authenticate response")
	ErrInvalidExpiry       = errors.New("request expiry out of range")
)
