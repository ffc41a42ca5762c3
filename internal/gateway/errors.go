package gateway

import "errors"

// Error taxonomy, per SPEC_FULL.md §7.
var (
	// ErrAuthFailed is returned when the token endpoint rejects a gateway's
	// client credentials.
	ErrAuthFailed = errors.New("gateway: AUTH_FAILED")

	// ErrDisconnected is returned to any pending forwarded request when the
	// connector's channel drops.
	ErrDisconnected = errors.New("gateway: DISCONNECTED")

	// ErrTimeout is returned when a request deadline is exceeded.
	ErrTimeout = errors.New("gateway: TIMEOUT")

	// ErrProtocolViolation is returned on a malformed frame, unknown
	// discriminator, or reserved message id misuse.
	ErrProtocolViolation = errors.New("gateway: PROTOCOL_VIOLATION")

	// ErrGatewayNotConnected is returned when a local mutation targets a
	// mirrored asset while its gateway is not CONNECTED.
	ErrGatewayNotConnected = errors.New("gateway: GATEWAY_NOT_CONNECTED")

	// ErrUnsupportedOperation is returned when a local caller attempts to
	// bypass the connector's forwarding path.
	ErrUnsupportedOperation = errors.New("gateway: UNSUPPORTED_OPERATION")

	// ErrDuplicateMapping signals an id-mapping collision. Treated as fatal
	// for the affected asset only.
	ErrDuplicateMapping = errors.New("gateway: DUPLICATE_MAPPING")
)
