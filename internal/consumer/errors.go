package consumer

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind is the processing error taxonomy. Values are stable and appear in
// logs and in the message_metrics table.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindBadRequest         Kind = "BAD_REQUEST"
	KindBusiness           Kind = "BUSINESS_ERROR"
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindTimeout            Kind = "TIMEOUT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindDatabase           Kind = "DATABASE_ERROR"
	KindDeadlock           Kind = "DEADLOCK"
	KindUnknown            Kind = "UNKNOWN"
)

func (k Kind) String() string { return string(k) }

// Retryable reports whether a failure of this kind should be redelivered.
// Unknown errors retry so that nothing is dropped silently.
func (k Kind) Retryable() bool {
	switch k {
	case KindValidation, KindBadRequest, KindBusiness, KindInvariantViolation:
		return false
	default:
		return true
	}
}

// OperatorVisible reports whether the failure needs a human even before the
// retry budget is spent.
func (k Kind) OperatorVisible() bool { return !k.Retryable() }

// Error carries an explicit Kind through handler code.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Invariantf(format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind) + ": " + e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// Classify maps an arbitrary error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var ke *Error
	if errors.As(err, &ke) && ke.Kind != "" {
		return ke.Kind
	}

	var de *envelope.DecodeError
	if errors.As(err, &de) {
		return KindValidation
	}
	if errors.Is(err, envelope.ErrInvalidSchema) || errors.Is(err, envelope.ErrIdempotencyKeyRequired) {
		return KindValidation
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrDeadlock:
			return KindDeadlock
		case mysqlErrLockWaitTimeout:
			return KindTimeout
		default:
			return KindDatabase
		}
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return KindDatabase
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, broker.ErrPublishNacked) || errors.Is(err, broker.ErrConfirmTimeout) || errors.Is(err, broker.ErrClosed) {
		return KindServiceUnavailable
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return KindServiceUnavailable
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}
