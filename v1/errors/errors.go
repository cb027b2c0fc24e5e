package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidArgument is returned for nil or malformed identifiers and
	// out-of-range settings.
	ErrInvalidArgument = errors.New("accord: invalid argument")
	// ErrTxnNotActive is returned when a transaction was never announced to
	// the coordinator, or has already ended.
	ErrTxnNotActive = errors.New("accord: transaction not active")
	// ErrTxnAlreadyStarted is returned when a transaction is announced twice.
	ErrTxnAlreadyStarted = errors.New("accord: transaction already started")
	// ErrTxnMustAbort is returned for any lock or wait call made by a
	// transaction that was chosen as a deadlock victim.
	ErrTxnMustAbort = errors.New("accord: transaction must abort")
	// ErrTxnEnded is returned when joining or terminating a finished transaction.
	ErrTxnEnded = errors.New("accord: transaction ended")
)
