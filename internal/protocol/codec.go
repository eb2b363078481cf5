package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts envelopes to and from transport frames.
type Codec interface {
	Name() string
	// Binary reports whether frames are binary (CBOR) rather than text (JSON).
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

// JSON is the default text codec.
var JSON Codec = jsonCodec{}

// CBOR is the binary codec. Payload structs share their json tags as CBOR keys.
var CBOR Codec = cborCodec{}

type jsonFrame struct {
	Channel    Channel         `json:"channel"`
	Type       string          `json:"type"`
	InstanceID string          `json:"instanceId,omitempty"`
	TS         json.Number     `json:"ts,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type jsonOutFrame struct {
	Channel    Channel `json:"channel"`
	Type       string  `json:"type"`
	InstanceID string  `json:"instanceId,omitempty"`
	TS         int64   `json:"ts,omitempty"`
	Data       any     `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	out := jsonOutFrame{
		Channel:    env.Channel,
		Type:       env.Type,
		InstanceID: env.InstanceID,
		Data:       env.Data,
	}
	if !env.Timestamp.IsZero() {
		out.TS = EpochMillis(env.Timestamp)
	}
	return json.Marshal(out)
}

func (jsonCodec) Decode(frame []byte) (Envelope, error) {
	var raw jsonFrame
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Envelope{Channel: raw.Channel, Type: raw.Type, InstanceID: raw.InstanceID}
	ts, err := parseFrameTime(raw.TS, raw.Timestamp)
	if err != nil {
		return Envelope{}, err
	}
	env.Timestamp = ts

	payload, err := newPayload(raw.Channel, raw.Type)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s/%s", err, raw.Channel, raw.Type)
	}
	if len(raw.Data) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Data), []byte("null")) {
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return Envelope{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
	}
	env.Data = payload
	return env, nil
}

func parseFrameTime(ts json.Number, timestamp string) (time.Time, error) {
	if ts != "" {
		if ms, err := ts.Int64(); err == nil {
			return fromEpochMillis(ms), nil
		}
		f, err := ts.Float64()
		if err != nil || f < 0 {
			return time.Time{}, fmt.Errorf("%w: ts must be epoch milliseconds", ErrMalformed)
		}
		return fromEpochMillis(int64(f)), nil
	}
	if timestamp = strings.TrimSpace(timestamp); timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp must be RFC3339", ErrMalformed)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, nil
}

type cborFrame struct {
	Channel    Channel         `cbor:"channel"`
	Type       string          `cbor:"type"`
	InstanceID string          `cbor:"instanceId,omitempty"`
	TS         *int64          `cbor:"ts,omitempty"`
	Timestamp  string          `cbor:"timestamp,omitempty"`
	Data       cbor.RawMessage `cbor:"data,omitempty"`
}

type cborOutFrame struct {
	Channel    Channel `cbor:"channel"`
	Type       string  `cbor:"type"`
	InstanceID string  `cbor:"instanceId,omitempty"`
	TS         int64   `cbor:"ts,omitempty"`
	Data       any     `cbor:"data,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Binary() bool { return true }

func (cborCodec) Encode(env Envelope) ([]byte, error) {
	out := cborOutFrame{
		Channel:    env.Channel,
		Type:       env.Type,
		InstanceID: env.InstanceID,
		Data:       env.Data,
	}
	if !env.Timestamp.IsZero() {
		out.TS = EpochMillis(env.Timestamp)
	}
	return cborEnc.Marshal(out)
}

func (cborCodec) Decode(frame []byte) (Envelope, error) {
	var raw cborFrame
	if err := cborDec.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Envelope{Channel: raw.Channel, Type: raw.Type, InstanceID: raw.InstanceID}
	switch {
	case raw.TS != nil:
		if *raw.TS < 0 {
			return Envelope{}, fmt.Errorf("%w: ts must be epoch milliseconds", ErrMalformed)
		}
		env.Timestamp = fromEpochMillis(*raw.TS)
	default:
		ts, err := parseFrameTime("", raw.Timestamp)
		if err != nil {
			return Envelope{}, err
		}
		env.Timestamp = ts
	}

	payload, err := newPayload(raw.Channel, raw.Type)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s/%s", err, raw.Channel, raw.Type)
	}
	if len(raw.Data) > 0 {
		if err := cborDec.Unmarshal(raw.Data, payload); err != nil {
			return Envelope{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
	}
	env.Data = payload
	return env, nil
}
