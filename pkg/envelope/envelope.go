// Package envelope defines the wire message shape and session identity
// described in spec.md §3, plus the URL derivation rule from §3/§6.
package envelope

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Envelope is the MessageEnvelope from spec.md §3: {type, data, meta?,
// timestamp?}. Type is required; envelopes with a missing or non-string
// type are dropped by the caller (see Decode).
type Envelope struct {
	Type      string         `json:"type"`
	Data      any            `json:"data,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Decode parses a raw frame into an Envelope. ok is false for malformed
// JSON or a missing/non-string "type" field, matching spec.md §7's
// ParseError semantics — the caller logs at warn and drops the frame.
func Decode(raw []byte) (env *Envelope, ok bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	typeRaw, present := probe["type"]
	if !present {
		return nil, false
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil || typ == "" {
		return nil, false
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Encode marshals an Envelope (or any JSON-marshalable payload) for
// transmission.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Identity is the (baseUrl, userId, credential) triple from spec.md §3.
// Two identities are equal iff all three components are equal.
type Identity struct {
	BaseURL    string
	UserID     string
	Credential string
}

// Equal reports whether two identities name the same session.
func (id Identity) Equal(other Identity) bool {
	return id.BaseURL == other.BaseURL &&
		id.UserID == other.UserID &&
		id.Credential == other.Credential
}

// IsZero reports whether id is the unset identity.
func (id Identity) IsZero() bool {
	return id.BaseURL == "" && id.UserID == "" && id.Credential == ""
}

// URL derives the stream URL: {baseUrl}/{userId}?token={url-encoded
// credential}. No other query parameters are appended, per spec.md §6.
func (id Identity) URL() string {
	return fmt.Sprintf("%s/%s?token=%s", id.BaseURL, id.UserID, url.QueryEscape(id.Credential))
}
