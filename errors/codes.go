package errors

// ERR identifies a class of failure. The numeric values are stable so that
// they can be carried across the cluster RPC plane and compared on the far
// side.
type ERR int32

const (
	ERR_UNKNOWN                 ERR = 0
	ERR_INVALID_ARGUMENT        ERR = 1
	ERR_NOT_FOUND               ERR = 2
	ERR_CONFIGURATION           ERR = 3
	ERR_PROCESSING              ERR = 4
	ERR_STORAGE                 ERR = 5
	ERR_BLOCK_INVALID           ERR = 10
	ERR_TX_INVALID              ERR = 11
	ERR_UNKNOWN_ANCESTOR        ERR = 12
	ERR_BLOCK_STALE             ERR = 13
	ERR_PEER_PROTOCOL_VIOLATION ERR = 20
	ERR_RPC_TIMEOUT             ERR = 21
	ERR_PEER_CLOSED             ERR = 22
	ERR_INTEGRITY               ERR = 30
	ERR_SERVICE_UNAVAILABLE     ERR = 31
)

var ERR_name = map[int32]string{
	0:  "ERR_UNKNOWN",
	1:  "ERR_INVALID_ARGUMENT",
	2:  "ERR_NOT_FOUND",
	3:  "ERR_CONFIGURATION",
	4:  "ERR_PROCESSING",
	5:  "ERR_STORAGE",
	10: "ERR_BLOCK_INVALID",
	11: "ERR_TX_INVALID",
	12: "ERR_UNKNOWN_ANCESTOR",
	13: "ERR_BLOCK_STALE",
	20: "ERR_PEER_PROTOCOL_VIOLATION",
	21: "ERR_RPC_TIMEOUT",
	22: "ERR_PEER_CLOSED",
	30: "ERR_INTEGRITY",
	31: "ERR_SERVICE_UNAVAILABLE",
}

func (e ERR) Enum() string {
	if name, ok := ERR_name[int32(e)]; ok {
		return name
	}
	return "ERR_UNKNOWN"
}

// Predefined sentinel errors, usable as errors.Is targets.
var (
	ErrUnknown            = &Error{Code: ERR_UNKNOWN, Message: "unknown error"}
	ErrNotFound           = &Error{Code: ERR_NOT_FOUND, Message: "not found"}
	ErrBlockInvalid       = &Error{Code: ERR_BLOCK_INVALID, Message: "invalid block"}
	ErrTxInvalid          = &Error{Code: ERR_TX_INVALID, Message: "invalid transaction"}
	ErrUnknownAncestor    = &Error{Code: ERR_UNKNOWN_ANCESTOR, Message: "unknown ancestor"}
	ErrBlockStale         = &Error{Code: ERR_BLOCK_STALE, Message: "stale block"}
	ErrPeerViolation      = &Error{Code: ERR_PEER_PROTOCOL_VIOLATION, Message: "peer protocol violation"}
	ErrRPCTimeout         = &Error{Code: ERR_RPC_TIMEOUT, Message: "rpc timeout"}
	ErrPeerClosed         = &Error{Code: ERR_PEER_CLOSED, Message: "peer closed"}
	ErrIntegrity          = &Error{Code: ERR_INTEGRITY, Message: "integrity error"}
	ErrServiceUnavailable = &Error{Code: ERR_SERVICE_UNAVAILABLE, Message: "service unavailable"}
)

func NewUnknownError(message string, params ...interface{}) *Error {
	return New(ERR_UNKNOWN, message, params...)
}

func NewInvalidArgumentError(message string, params ...interface{}) *Error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}

func NewNotFoundError(message string, params ...interface{}) *Error {
	return New(ERR_NOT_FOUND, message, params...)
}

func NewConfigurationError(message string, params ...interface{}) *Error {
	return New(ERR_CONFIGURATION, message, params...)
}

func NewProcessingError(message string, params ...interface{}) *Error {
	return New(ERR_PROCESSING, message, params...)
}

func NewStorageError(message string, params ...interface{}) *Error {
	return New(ERR_STORAGE, message, params...)
}

func NewBlockInvalidError(message string, params ...interface{}) *Error {
	return New(ERR_BLOCK_INVALID, message, params...)
}

func NewTxInvalidError(message string, params ...interface{}) *Error {
	return New(ERR_TX_INVALID, message, params...)
}

func NewUnknownAncestorError(message string, params ...interface{}) *Error {
	return New(ERR_UNKNOWN_ANCESTOR, message, params...)
}

func NewBlockStaleError(message string, params ...interface{}) *Error {
	return New(ERR_BLOCK_STALE, message, params...)
}

func NewPeerViolationError(message string, params ...interface{}) *Error {
	return New(ERR_PEER_PROTOCOL_VIOLATION, message, params...)
}

func NewRPCTimeoutError(message string, params ...interface{}) *Error {
	return New(ERR_RPC_TIMEOUT, message, params...)
}

func NewPeerClosedError(message string, params ...interface{}) *Error {
	return New(ERR_PEER_CLOSED, message, params...)
}

func NewIntegrityError(message string, params ...interface{}) *Error {
	return New(ERR_INTEGRITY, message, params...)
}

func NewServiceUnavailableError(message string, params ...interface{}) *Error {
	return New(ERR_SERVICE_UNAVAILABLE, message, params...)
}
