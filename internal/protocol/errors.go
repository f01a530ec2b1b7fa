package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Admin requests.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrInvalidValue    = "E_INVALID_VALUE"
	ErrUnknownField    = "E_UNKNOWN_FIELD"
	ErrNotFound        = "E_NOT_FOUND"
	ErrNoPermission    = "E_NO_PERMISSION"
	ErrWeatherDisabled = "E_WEATHER_DISABLED"

	// Engine state.
	ErrUnavailable = "E_UNAVAILABLE"
	ErrUpstream    = "E_UPSTREAM"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrInvalidValue:    {},
	ErrUnknownField:    {},
	ErrNotFound:        {},
	ErrNoPermission:    {},
	ErrWeatherDisabled: {},
	ErrUnavailable:     {},
	ErrUpstream:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
