package steamcm

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisconnected is returned by in-flight calls when the connection closes.
var ErrDisconnected = errors.New("steamcm: disconnected")

// ErrNotSignedIn is returned by calls that require a completed sign-in.
var ErrNotSignedIn = errors.New("steamcm: not signed in")

// EResult is Steam's result code.
type EResult int32

const (
	ResultOK                 EResult = 1
	ResultFail               EResult = 2
	ResultNoConnection       EResult = 3
	ResultInvalidPassword    EResult = 5
	ResultInvalidParam       EResult = 8
	ResultFileNotFound       EResult = 9
	ResultBusy               EResult = 10
	ResultInvalidState       EResult = 11
	ResultAccessDenied       EResult = 15
	ResultTimeout            EResult = 16
	ResultServiceUnavailable EResult = 20
	ResultNotLoggedOn        EResult = 21
	ResultPending            EResult = 22
	ResultRevoked            EResult = 26
	ResultExpired            EResult = 27
	ResultBlocked            EResult = 40
	ResultTryAnotherCM       EResult = 48
	ResultRateLimitExceeded  EResult = 84
	ResultNeedTwoFactor      EResult = 85
	ResultTwoFactorMismatch  EResult = 88
	ResultInvalidSignature   EResult = 119
)

var eresultNames = map[EResult]string{
	ResultOK:                 "OK",
	ResultFail:               "Fail",
	ResultNoConnection:       "NoConnection",
	ResultInvalidPassword:    "InvalidPassword",
	ResultInvalidParam:       "InvalidParam",
	ResultFileNotFound:       "FileNotFound",
	ResultBusy:               "Busy",
	ResultInvalidState:       "InvalidState",
	ResultAccessDenied:       "AccessDenied",
	ResultTimeout:            "Timeout",
	ResultServiceUnavailable: "ServiceUnavailable",
	ResultNotLoggedOn:        "NotLoggedOn",
	ResultPending:            "Pending",
	ResultRevoked:            "Revoked",
	ResultExpired:            "Expired",
	ResultBlocked:            "Blocked",
	ResultTryAnotherCM:       "TryAnotherCM",
	ResultRateLimitExceeded:  "RateLimitExceeded",
	ResultNeedTwoFactor:      "NeedTwoFactor",
	ResultTwoFactorMismatch:  "TwoFactorCodeMismatch",
	ResultInvalidSignature:   "InvalidSignature",
}

func (r EResult) String() string {
	if name, ok := eresultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EResult(%d)", int32(r))
}

// ErrType classifies where an upstream failure originated.
type ErrType int32

const (
	// ErrTypeBasic is a local or transport-level failure.
	ErrTypeBasic ErrType = iota
	// ErrTypeSub is a nested result carried inside a service method response.
	ErrTypeSub
	// ErrTypeSteamCM is a result reported by the CM itself.
	ErrTypeSteamCM
)

func (t ErrType) String() string {
	switch t {
	case ErrTypeBasic:
		return "basic"
	case ErrTypeSub:
		return "sub"
	case ErrTypeSteamCM:
		return "steam_cm"
	}
	return fmt.Sprintf("ErrType(%d)", int32(t))
}

// Error is an upstream failure: the originating layer, the primary result
// code, and an auxiliary result when the response carried a nested one.
// Auxiliary is only meaningful when Type is not ErrTypeBasic.
type Error struct {
	Type      ErrType
	Primary   EResult
	Auxiliary EResult
	Op        string
}

func (e *Error) Error() string {
	if e.Auxiliary != 0 {
		return fmt.Sprintf("steamcm: %s: %s %s (aux %s)", e.Op, e.Type, e.Primary, e.Auxiliary)
	}
	return fmt.Sprintf("steamcm: %s: %s %s", e.Op, e.Type, e.Primary)
}

func cmError(op string, r EResult) *Error {
	return &Error{Type: ErrTypeSteamCM, Primary: r, Op: op}
}

func subError(op string, primary, aux EResult) *Error {
	return &Error{Type: ErrTypeSub, Primary: primary, Auxiliary: aux, Op: op}
}

func timeoutError(op string) *Error {
	return &Error{Type: ErrTypeBasic, Primary: ResultTimeout, Op: op}
}

func resultOf(err error, typ ErrType) (EResult, bool) {
	var e *Error
	if errors.As(err, &e) && e.Type == typ {
		return e.Primary, true
	}
	return 0, false
}

// IsTimeout reports whether err is a CM response timeout.
func IsTimeout(err error) bool {
	if r, ok := resultOf(err, ErrTypeBasic); ok && r == ResultTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAccessDenied reports whether the CM rejected the account's token.
func IsAccessDenied(err error) bool {
	r, ok := resultOf(err, ErrTypeSteamCM)
	return ok && r == ResultAccessDenied
}

// IsInvalidSignature reports whether the CM rejected the token's signature.
func IsInvalidSignature(err error) bool {
	r, ok := resultOf(err, ErrTypeSteamCM)
	return ok && r == ResultInvalidSignature
}

// IsServiceUnavailable reports whether the CM answered service-unavailable.
func IsServiceUnavailable(err error) bool {
	r, ok := resultOf(err, ErrTypeSteamCM)
	return ok && r == ResultServiceUnavailable
}

// IsBlocked reports whether the CM denied a depot key for a pre-release
// depot. Only the CM-level pair counts; a Blocked result from another
// layer is a real failure.
func IsBlocked(err error) bool {
	r, ok := resultOf(err, ErrTypeSteamCM)
	return ok && r == ResultBlocked
}
