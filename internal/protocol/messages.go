package protocol

import "time"

// Event kinds.
const (
	KindProfileChanged     = "PROFILE_CHANGED"
	KindWeatherUpdated     = "WEATHER_UPDATED"
	KindWeatherFetchFailed = "WEATHER_FETCH_FAILED"
	KindSyncReport         = "SYNC_REPORT"
	KindEngineState        = "ENGINE_STATE"
)

var Kinds = []string{
	KindProfileChanged,
	KindWeatherUpdated,
	KindWeatherFetchFailed,
	KindSyncReport,
	KindEngineState,
}

func IsKnownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SUBSCRIBE (client -> server). An empty Kinds list subscribes to everything.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Kinds           []string `json:"kinds,omitempty"`
}

// SUBSCRIBED (server -> client)
type SubscribedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Kinds           []string `json:"kinds"`
}

// EVENT (server -> client)
type Event struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Seq             uint64    `json:"seq"`
	Kind            string    `json:"kind"`
	At              time.Time `json:"at"`
	Payload         any       `json:"payload,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
