package wyoming

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoDelimiter is returned by [DecodeFrame] when the frame contains no '\n'
// separating the JSON header from the payload.
var ErrNoDelimiter = errors.New("wyoming: frame has no newline delimiter")

// wireHeader is the JSON header line of a frame. PayloadLength is a pointer
// so that "no payload" serialises as null rather than 0 — the relay
// distinguishes the two.
type wireHeader struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadLength *int            `json:"payload_length"`
}

// Encode serialises ev into wire bytes: compact JSON header, a single '\n',
// then the raw payload (if any) with no further delimiter. A nil or empty
// payload encodes payload_length as null and appends nothing.
func Encode(ev Event) ([]byte, error) {
	data, err := encodeData(ev)
	if err != nil {
		return nil, err
	}

	h := wireHeader{
		Type: string(ev.Kind),
		Data: data,
	}
	if ev.Kind == KindUnknown {
		h.Type = ev.UnknownType
	}
	if len(ev.Payload) > 0 {
		n := len(ev.Payload)
		h.PayloadLength = &n
	}

	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wyoming: marshal header: %w", err)
	}

	out := make([]byte, 0, len(header)+1+len(ev.Payload))
	out = append(out, header...)
	out = append(out, '\n')
	out = append(out, ev.Payload...)
	return out, nil
}

func encodeData(ev Event) (json.RawMessage, error) {
	var v any
	switch ev.Kind {
	case KindAudioStart:
		v = ev.AudioStart
	case KindAudioChunk:
		v = ev.AudioChunk
	case KindAudioStop:
		v = ev.AudioStop
	case KindPing:
		v = ev.Ping
	case KindRelayStatus:
		v = ev.RelayStatus
	case KindError:
		v = ev.Error
	case KindUnknown:
		if len(ev.UnknownData) == 0 {
			return nil, nil
		}
		return ev.UnknownData, nil
	default:
		return nil, fmt.Errorf("wyoming: unsupported kind %q", ev.Kind)
	}
	if v == nil || isNilPointer(v) {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wyoming: marshal %s data: %w", ev.Kind, err)
	}
	return data, nil
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *AudioStart:
		return p == nil
	case *AudioChunk:
		return p == nil
	case *AudioStop:
		return p == nil
	case *Ping:
		return p == nil
	case *RelayStatus:
		return p == nil
	case *ErrorInfo:
		return p == nil
	}
	return false
}

// Decode parses a single JSON header line (without payload bytes) into an
// [Event]. Malformed JSON is returned as an error value so the read loop can
// log and drop the message without closing the connection.
func Decode(line []byte) (Event, error) {
	var h wireHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("wyoming: decode header: %w", err)
	}
	return decodeHeader(line, h)
}

// DecodeFrame parses a complete frame: the header line up to the first '\n'
// and any payload bytes that follow. When the header declares a
// payload_length it must match the number of trailing bytes exactly.
func DecodeFrame(frame []byte) (Event, error) {
	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return Event{}, ErrNoDelimiter
	}

	ev, err := Decode(frame[:idx])
	if err != nil {
		return Event{}, err
	}

	payload := frame[idx+1:]
	var h wireHeader
	_ = json.Unmarshal(frame[:idx], &h) // already parsed once above
	if h.PayloadLength != nil {
		if *h.PayloadLength != len(payload) {
			return Event{}, fmt.Errorf("wyoming: payload_length %d does not match %d trailing bytes",
				*h.PayloadLength, len(payload))
		}
		if *h.PayloadLength > 0 {
			ev.Payload = payload
		}
	} else if len(payload) > 0 {
		return Event{}, fmt.Errorf("wyoming: %d trailing bytes but payload_length is null", len(payload))
	}
	return ev, nil
}

func decodeHeader(line []byte, h wireHeader) (Event, error) {
	ev := Event{Kind: Kind(h.Type)}

	switch ev.Kind {
	case KindAudioStart:
		ev.AudioStart = &AudioStart{}
		if err := unmarshalData(h.Data, ev.AudioStart); err != nil {
			return Event{}, err
		}
	case KindAudioChunk:
		ev.AudioChunk = &AudioChunk{}
		if err := unmarshalData(h.Data, ev.AudioChunk); err != nil {
			return Event{}, err
		}
	case KindAudioStop:
		ev.AudioStop = &AudioStop{}
		if err := unmarshalData(h.Data, ev.AudioStop); err != nil {
			return Event{}, err
		}
	case KindPing:
		ev.Ping = &Ping{}
		if err := unmarshalData(h.Data, ev.Ping); err != nil {
			return Event{}, err
		}
	case KindRelayStatus:
		ev.RelayStatus = &RelayStatus{}
		if err := unmarshalData(h.Data, ev.RelayStatus); err != nil {
			return Event{}, err
		}
	case KindError:
		ev.Error = &ErrorInfo{}
		if err := unmarshalData(h.Data, ev.Error); err != nil {
			return Event{}, err
		}
	default:
		ev.Kind = KindUnknown
		ev.UnknownType = h.Type
		ev.UnknownData = h.Data
	}

	ev.ErrorShaped = errorShaped(line, h.Data)
	return ev, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wyoming: decode data: %w", err)
	}
	return nil
}

// errorShaped reports whether the raw header or its data object carries an
// "error" or "status" key. Some relay builds report failures this way
// instead of a proper error-kind message.
func errorShaped(line, data json.RawMessage) bool {
	return hasKey(line, "error") || hasKey(line, "status") ||
		hasKey(data, "error") || hasKey(data, "status")
}

func hasKey(obj json.RawMessage, key string) bool {
	if len(obj) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}
