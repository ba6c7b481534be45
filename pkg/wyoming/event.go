// Package wyoming implements the line-delimited Wyoming wire protocol used
// between the streaming client and the relay: each frame is one compact JSON
// header terminated by '\n', optionally followed immediately by a raw binary
// payload of exactly payload_length bytes.
//
// Events are modelled as a closed tagged union: [Event.Kind] selects which of
// the typed data fields is populated. Unknown kinds decode into
// [KindUnknown] with the raw data preserved, so new server-side message types
// are an explicitly handled case rather than a silent drop.
package wyoming

import "encoding/json"

// Kind identifies the protocol message type carried in a frame header.
type Kind string

const (
	KindAudioStart  Kind = "audio-start"
	KindAudioChunk  Kind = "audio-chunk"
	KindAudioStop   Kind = "audio-stop"
	KindPing        Kind = "ping"
	KindRelayStatus Kind = "relay-status"
	KindError       Kind = "error"

	// KindUnknown is assigned to decoded frames whose type is not one of the
	// kinds above. The original type string is kept in [Event.UnknownType].
	KindUnknown Kind = ""
)

// AudioStart is the handshake sent immediately after the socket opens. It
// negotiates the audio format and streaming mode for the session. Field
// order matters on the wire: the relay expects rate, width, channels first.
type AudioStart struct {
	Rate     int    `json:"rate"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Mode     string `json:"mode"`

	// Codec tags a non-PCM payload encoding (e.g. "opus"). Omitted for raw
	// PCM, which is the protocol default.
	Codec string `json:"codec,omitempty"`
}

// AudioChunk is the header data accompanying each audio payload frame.
type AudioChunk struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// AudioStop signals the end of an audio stream.
type AudioStop struct {
	// Timestamp is the client wall-clock time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Ping is a lightweight keep-alive message.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// RelayStatus reports per-destination fan-out health from the relay.
// Inbound only.
type RelayStatus struct {
	Destinations []RelayDestination `json:"destinations"`
}

// RelayDestination is the health of one named downstream destination.
type RelayDestination struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Errors    int    `json:"errors"`
}

// ErrorInfo is an error message from the relay. Inbound only.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Event is one decoded protocol message. Exactly the data field matching
// Kind is non-nil; all others are nil.
type Event struct {
	Kind Kind

	AudioStart  *AudioStart
	AudioChunk  *AudioChunk
	AudioStop   *AudioStop
	Ping        *Ping
	RelayStatus *RelayStatus
	Error       *ErrorInfo

	// UnknownType and UnknownData preserve frames of unrecognised kinds.
	UnknownType string
	UnknownData json.RawMessage

	// ErrorShaped reports that the decoded header carried an "error" or
	// "status" field even though its kind is not [KindError]. The connection
	// treats such messages as server errors.
	ErrorShaped bool

	// Payload holds the raw bytes that followed the header, if any.
	Payload []byte
}

// IsError reports whether the event should count against the connection's
// consecutive server error threshold.
func (e Event) IsError() bool {
	return e.Kind == KindError || e.ErrorShaped
}
