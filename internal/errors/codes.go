package errors

// Kind groups error codes into the classes the acquisition pipeline reacts to.
type Kind int

const (
	KindInternal Kind = iota
	KindConnection
	KindProtocol
	KindConfiguration
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindConfiguration:
		return "configuration"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig    ErrorCode = "invalid_configuration"
	ErrMissingAddress   ErrorCode = "missing_device_address"
	ErrUnknownTransport ErrorCode = "unknown_transport"
	ErrReadConfig       ErrorCode = "read_config_failed"
	ErrInvalidInterval  ErrorCode = "invalid_interval"
	ErrDriverNotFound   ErrorCode = "driver_not_found"
	ErrInvalidLogLevel  ErrorCode = "invalid_log_level"

	// Connection errors
	ErrDialFailed        ErrorCode = "dial_failed"
	ErrDiscoveryCancel   ErrorCode = "discovery_cancel_failed"
	ErrNegotiationFailed ErrorCode = "negotiation_failed"
	ErrLinkClosed        ErrorCode = "link_closed"

	// Protocol errors
	ErrTimeout         ErrorCode = "operation_timeout"
	ErrNoData          ErrorCode = "no_data"
	ErrUnknownCommand  ErrorCode = "unknown_command"
	ErrMalformed       ErrorCode = "malformed_response"
	ErrAdapterFault    ErrorCode = "adapter_fault"
	ErrIO              ErrorCode = "io_failed"
	ErrUnexpectedReply ErrorCode = "unexpected_reply"

	// Persistence errors
	ErrStorageInit     ErrorCode = "storage_init_failed"
	ErrStorageWrite    ErrorCode = "storage_write_failed"
	ErrStorageRead     ErrorCode = "storage_read_failed"
	ErrStorageClose    ErrorCode = "storage_close_failed"
	ErrSchema          ErrorCode = "schema_failed"
	ErrNoActiveSession ErrorCode = "no_active_session"
	ErrSessionActive   ErrorCode = "session_already_active"
	ErrStaleTimestamp  ErrorCode = "stale_timestamp"
	ErrDuplicateDriver ErrorCode = "duplicate_driver"
	ErrNotFound        ErrorCode = "resource_not_found"

	// Operation errors
	ErrInvalidOperation ErrorCode = "invalid_operation"
	ErrBusy             ErrorCode = "resource_busy"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrUnavailable:       "Service unavailable",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingAddress:    "No device address configured",
	ErrUnknownTransport:  "Unknown device transport",
	ErrReadConfig:        "Failed to read configuration",
	ErrInvalidInterval:   "Invalid interval value",
	ErrDriverNotFound:    "Driver not found",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrDialFailed:        "Failed to open adapter channel",
	ErrDiscoveryCancel:   "Failed to cancel device discovery",
	ErrNegotiationFailed: "Adapter negotiation failed",
	ErrLinkClosed:        "Link is closed",
	ErrTimeout:           "Operation timed out",
	ErrNoData:            "No data returned",
	ErrUnknownCommand:    "Adapter did not understand command",
	ErrMalformed:         "Malformed response",
	ErrAdapterFault:      "Adapter reported a fault",
	ErrIO:                "Link I/O failed",
	ErrUnexpectedReply:   "Unexpected reply",
	ErrStorageInit:       "Failed to initialize store",
	ErrStorageWrite:      "Failed to write to store",
	ErrStorageRead:       "Failed to read from store",
	ErrStorageClose:      "Failed to close store",
	ErrSchema:            "Schema validation failed",
	ErrNoActiveSession:   "No active session",
	ErrSessionActive:     "A session is already active",
	ErrStaleTimestamp:    "Sample timestamp is not after the previous sample",
	ErrDuplicateDriver:   "Driver already exists",
	ErrNotFound:          "Resource not found",
	ErrInvalidOperation:  "Invalid operation",
	ErrBusy:              "Resource is busy",
}

var errorKinds = map[ErrorCode]Kind{
	ErrInvalidConfig:    KindConfiguration,
	ErrMissingAddress:   KindConfiguration,
	ErrUnknownTransport: KindConfiguration,
	ErrReadConfig:       KindConfiguration,
	ErrInvalidInterval:  KindConfiguration,
	ErrDriverNotFound:   KindConfiguration,
	ErrInvalidLogLevel:  KindConfiguration,

	ErrUnavailable:       KindConnection,
	ErrDialFailed:        KindConnection,
	ErrDiscoveryCancel:   KindConnection,
	ErrNegotiationFailed: KindConnection,
	ErrLinkClosed:        KindConnection,

	ErrTimeout:         KindProtocol,
	ErrNoData:          KindProtocol,
	ErrUnknownCommand:  KindProtocol,
	ErrMalformed:       KindProtocol,
	ErrAdapterFault:    KindProtocol,
	ErrIO:              KindProtocol,
	ErrUnexpectedReply: KindProtocol,

	ErrStorageInit:     KindPersistence,
	ErrStorageWrite:    KindPersistence,
	ErrStorageRead:     KindPersistence,
	ErrStorageClose:    KindPersistence,
	ErrSchema:          KindPersistence,
	ErrNoActiveSession: KindPersistence,
	ErrSessionActive:   KindPersistence,
	ErrStaleTimestamp:  KindPersistence,
	ErrDuplicateDriver: KindPersistence,
	ErrNotFound:        KindPersistence,
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

// KindFor returns the class a code belongs to.
func KindFor(code ErrorCode) Kind {
	if k, ok := errorKinds[code]; ok {
		return k
	}

	return KindInternal
}
