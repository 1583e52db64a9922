package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session routing/state.
	ErrServerFull        = "E_SERVER_FULL"
	ErrDuplicateIdentity = "E_DUPLICATE_IDENTITY"
	ErrNotReady          = "E_NOT_READY"

	// Relay layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrUnmapped   = "E_UNMAPPED"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrServerFull:        {},
	ErrDuplicateIdentity: {},
	ErrNotReady:          {},
	ErrBadRequest:        {},
	ErrRateLimit:         {},
	ErrUnmapped:          {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
