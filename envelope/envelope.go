// Package envelope defines what arrives from a transport: the outer routing envelope, the decrypted
// payload it carries and the content types a payload can hold.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("envelope: malformed")

// Flag is a boolean that push providers may deliver as a string.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*f = true
	default:
		*f = false
	}
	return nil
}

// Envelope is one delivery from the server. Exactly one of LineID, Group or Deletion names the
// conversation it belongs to.
type Envelope struct {
	LineID           string `json:"lineId,omitempty"`
	Group            string `json:"group,omitempty"`
	Deletion         string `json:"deletion,omitempty"`
	MessageContent   string `json:"messageContent,omitempty"`
	Content          string `json:"content,omitempty"`
	Sender           string `json:"sender,omitempty"`
	SuperportID      string `json:"superportId,omitempty"`
	LineLinkID       string `json:"lineLinkId,omitempty"`
	PairHash         string `json:"pairHash,omitempty"`
	RemovedFromGroup Flag   `json:"removedFromGroup,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
	CallID           string `json:"call_id,omitempty"`
}

func Parse(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

func (e *Envelope) IsGroup() bool {
	return e.Group != ""
}

func (e *Envelope) RoutingID() string {
	switch {
	case e.Group != "":
		return e.Group
	case e.LineID != "":
		return e.LineID
	default:
		return e.Deletion
	}
}

// Ciphertext is the encrypted body, which lives under a different key for direct and group deliveries.
func (e *Envelope) Ciphertext() string {
	if e.IsGroup() {
		return e.Content
	}
	return e.MessageContent
}

// IsSuperport reports whether a new-chat envelope was produced by a superport. The server sends the
// literal "None" when no superport was involved.
func (e *Envelope) IsSuperport() bool {
	return e.SuperportID != "" && e.SuperportID != "None"
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Payload is the decrypted body of an envelope.
type Payload struct {
	MessageID   string          `json:"messageId"`
	ContentType ContentType     `json:"contentType"`
	Data        json.RawMessage `json:"data"`
	ReplyID     string          `json:"replyId,omitempty"`
	ExpiresOn   int64           `json:"expiresOn,omitempty"`
}

func ParsePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.MessageID == "" || p.ContentType == "" {
		return nil, fmt.Errorf("%w: payload missing messageId or contentType", ErrMalformed)
	}
	if len(p.Data) == 0 {
		p.Data = json.RawMessage("{}")
	}
	return p, nil
}

func NewPayload(messageID string, ct ContentType, data interface{}) (*Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: error encoding %s data: %w", ct, err)
	}
	return &Payload{MessageID: messageID, ContentType: ct, Data: raw}, nil
}

func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Decode unmarshals the payload data into v.
func (p *Payload) Decode(v interface{}) error {
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, p.ContentType, err)
	}
	return nil
}
