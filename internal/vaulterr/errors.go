package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies a vault error for callers that need to react by category.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindInsufficientFunds
	KindIdempotency
	KindExternalAdapter
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindIdempotency:
		return "idempotency"
	case KindExternalAdapter:
		return "external_adapter"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a coded vault failure. Code carries the revert string callers match on.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so wrapped and detailed
// instances still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrAmount                    = newErr(KindValidation, "ERR: AMOUNT")
	ErrToken                     = newErr(KindValidation, "ERR: TOKEN")
	ErrTokenNotWhitelisted       = newErr(KindValidation, "ERR: TOKEN NOT WHITELISTED")
	ErrTokenNotWhitelistedRemote = newErr(KindValidation, "ERR: TOKEN NOT WHITELISTED DESTINATION")
	ErrMinMax                    = newErr(KindValidation, "ERR: MIN > MAX")
	ErrFee                       = newErr(KindValidation, "ERR: FEE")
	ErrFeeToken                  = newErr(KindValidation, "ERR: FEE TOKEN")
	ErrPaused                    = newErr(KindValidation, "ERR: PAUSED")
	ErrNotPaused                 = newErr(KindValidation, "ERR: NOT PAUSED")
	ErrTimestamp                 = newErr(KindValidation, "ERR: TIMESTAMP")
	ErrTimelock                  = newErr(KindValidation, "ERR: TIMELOCK")
	ErrTooHigh                   = newErr(KindValidation, "ERR: TOO HIGH")
	ErrUnable                    = newErr(KindValidation, "ERR: UNABLE")
	ErrNative                    = newErr(KindValidation, "ERR: NATIVE")
	ErrReceiptsOutstanding       = newErr(KindValidation, "ERR: RECEIPTS OUTSTANDING")
	ErrSlippage                  = newErr(KindValidation, "ERR: SLIPPAGE")
	ErrNotFound                  = newErr(KindValidation, "ERR: NOT FOUND")
	ErrAddress                   = newErr(KindValidation, "ERR: ADDRESS")

	ErrPermissions = newErr(KindAuthorization, "ERR: PERMISSIONS")

	ErrBalance      = newErr(KindInsufficientFunds, "ERR: BALANCE")
	ErrLiquidity    = newErr(KindInsufficientFunds, "ERR: LIQUIDITY")
	ErrVaultBalance = newErr(KindInsufficientFunds, "ERR: VAULT BAL")

	ErrWithdrawn = newErr(KindIdempotency, "ERR: WITHDRAWN")

	ErrAMM          = newErr(KindExternalAdapter, "ERR: AMM")
	ErrNotSet       = newErr(KindExternalAdapter, "ERR: NOT SET")
	ErrStrategy     = newErr(KindExternalAdapter, "ERR: STRATEGY")
	ErrMinAmountOut = newErr(KindExternalAdapter, "ERR: MIN AMOUNT OUT")

	ErrMarketNotSet = newErr(KindConfiguration, "ERR: MARKET NOT SET")
)

// Wrap attaches detail to a sentinel, keeping its kind and code.
func Wrap(sentinel *Error, err error) error {
	if err == nil {
		return sentinel
	}
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Err: err}
}

// Wrapf is Wrap with a formatted detail message.
func Wrapf(sentinel *Error, format string, args ...interface{}) error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Err: fmt.Errorf(format, args...)}
}

// Adapter reports an external adapter failure. Errors that already carry a
// vault code pass through untouched.
func Adapter(sentinel *Error, err error) error {
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return Wrap(sentinel, err)
}

// KindOf returns the kind of the first vault error in the chain.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

// CodeOf returns the revert code of the first vault error in the chain.
func CodeOf(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
