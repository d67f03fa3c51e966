package hebe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope type tags.
const (
	TypeList    = "IEnumerable`1"
	TypeAccount = "AccountPayload"
)

// timestampLayout is the TimestampFormatted layout.
const timestampLayout = "2006-01-02 15:04:05"

// AppInfo identifies the client application in envelopes and headers.
type AppInfo struct {
	Name       string
	Version    string
	APIVersion int
	UserAgent  string
}

// DefaultAppInfo matches the official mobile application.
var DefaultAppInfo = AppInfo{
	Name:       "DzienniczekPlus 2.0",
	Version:    "1.4.2",
	APIVersion: 1,
	UserAgent:  "Dart/2.10 (dart:io)",
}

// RequestEnvelope wraps an outbound payload.
type RequestEnvelope struct {
	AppName            string  `json:"AppName"`
	AppVersion         string  `json:"AppVersion"`
	Envelope           any     `json:"Envelope"`
	API                int     `json:"API"`
	RequestID          string  `json:"RequestId"`
	Timestamp          int64   `json:"Timestamp"`
	TimestampFormatted string  `json:"TimestampFormatted"`
	FirebaseToken      *string `json:"FirebaseToken"`
}

// NewRequestEnvelope wraps payload, stamping a fresh request id and now.
func NewRequestEnvelope(payload any, app AppInfo, pushToken string, now time.Time) *RequestEnvelope {
	now = now.UTC()
	env := &RequestEnvelope{
		AppName:            app.Name,
		AppVersion:         app.Version,
		Envelope:           payload,
		API:                app.APIVersion,
		RequestID:          uuid.New().String(),
		Timestamp:          now.Unix(),
		TimestampFormatted: now.Format(timestampLayout),
	}
	if pushToken != "" {
		env.FirebaseToken = &pushToken
	}
	return env
}

// Status is the outcome reported inside a response envelope.
type Status struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

// ResponseEnvelope is a decoded server response. Envelope and EnvelopeType
// are only meaningful when Status.Code is 0.
type ResponseEnvelope struct {
	EnvelopeType       string          `json:"EnvelopeType"`
	Envelope           json.RawMessage `json:"Envelope"`
	Status             Status          `json:"Status"`
	RequestID          string          `json:"RequestId"`
	Timestamp          float64         `json:"Timestamp"`
	TimestampFormatted string          `json:"TimestampFormatted"`
}

// IsNull reports whether the payload is absent or JSON null.
func (r *ResponseEnvelope) IsNull() bool {
	p := bytes.TrimSpace(r.Envelope)
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}

// responseShape mirrors ResponseEnvelope with pointers so missing required
// members can be told apart from zero values.
type responseShape struct {
	EnvelopeType       *string         `json:"EnvelopeType"`
	Envelope           json.RawMessage `json:"Envelope"`
	Status             *Status         `json:"Status"`
	RequestID          string          `json:"RequestId"`
	Timestamp          float64         `json:"Timestamp"`
	TimestampFormatted string          `json:"TimestampFormatted"`
}

// DecodeResponse parses body into a ResponseEnvelope. Anything that is not a
// JSON object carrying a Status fails with ErrInvalidResponseContent.
func DecodeResponse(body []byte) (*ResponseEnvelope, error) {
	var shape responseShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseContent, err)
	}
	if shape.Status == nil {
		return nil, fmt.Errorf("%w: missing Status", ErrInvalidResponseContent)
	}
	env := &ResponseEnvelope{
		Envelope:           shape.Envelope,
		Status:             *shape.Status,
		RequestID:          shape.RequestID,
		Timestamp:          shape.Timestamp,
		TimestampFormatted: shape.TimestampFormatted,
	}
	if shape.EnvelopeType != nil {
		env.EnvelopeType = *shape.EnvelopeType
	}
	return env, nil
}

// Decode checks that env carries the want tag and unmarshals its payload.
func Decode[T any](env *ResponseEnvelope, want string) (T, error) {
	var out T
	if env.EnvelopeType != want {
		return out, fmt.Errorf("%w: got %q, want %q", ErrInvalidResponseEnvelopeType, env.EnvelopeType, want)
	}
	if env.IsNull() {
		return out, nil
	}
	if err := json.Unmarshal(env.Envelope, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrInvalidResponseContent, want, err)
	}
	return out, nil
}

// DecodeFunc turns a raw payload into a typed value.
type DecodeFunc func(payload json.RawMessage) (any, error)

// Registry dispatches payloads to decoders by envelope type tag.
type Registry struct {
	decoders map[string]DecodeFunc
}

// NewRegistry returns a registry that already knows the list and account tags.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]DecodeFunc)}
	r.Register(TypeList, DecoderFor[[]json.RawMessage]())
	r.Register(TypeAccount, DecoderFor[Account]())
	return r
}

// Register binds tag to fn, replacing any earlier binding.
func (r *Registry) Register(tag string, fn DecodeFunc) {
	r.decoders[tag] = fn
}

// Decode looks up env's tag and runs the matching decoder.
func (r *Registry) Decode(env *ResponseEnvelope) (any, string, error) {
	fn, ok := r.decoders[env.EnvelopeType]
	if !ok {
		return nil, env.EnvelopeType, fmt.Errorf("%w: no decoder for %q", ErrInvalidResponseEnvelopeType, env.EnvelopeType)
	}
	if env.IsNull() {
		return nil, env.EnvelopeType, nil
	}
	v, err := fn(env.Envelope)
	if err != nil {
		return nil, env.EnvelopeType, fmt.Errorf("%w: decode %s: %v", ErrInvalidResponseContent, env.EnvelopeType, err)
	}
	return v, env.EnvelopeType, nil
}

// DecoderFor returns a DecodeFunc that unmarshals into T.
func DecoderFor[T any]() DecodeFunc {
	return func(payload json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
