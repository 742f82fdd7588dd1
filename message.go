package protoo

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Message is the parsed form of a wire frame. Exactly one of Request,
// Response or Notification is set. Data holds the raw JSON payload, if any.
type Message struct {
	Request      bool
	Response     bool
	Notification bool
	ID           uint32
	Method       string
	OK           bool
	ErrorCode    int
	ErrorReason  string
	Data         json.RawMessage
}

// GenerateRequestID returns a fresh nonzero request id. Uniqueness is only
// required within the set of outstanding requests of a single peer, so a
// random 32-bit value is sufficient.
func GenerateRequestID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

// CreateRequest builds a request message with a fresh id.
// data is marshalled to JSON; a nil data omits the payload.
func CreateRequest(method string, data interface{}) (*Message, error) {
	if method == "" {
		return nil, errors.WithStack(InvalidMessageError{"empty method"})
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Request: true,
		ID:      GenerateRequestID(),
		Method:  method,
		Data:    raw,
	}, nil
}

// CreateNotification builds a notification message.
func CreateNotification(method string, data interface{}) (*Message, error) {
	if method == "" {
		return nil, errors.WithStack(InvalidMessageError{"empty method"})
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Notification: true,
		Method:       method,
		Data:         raw,
	}, nil
}

// CreateSuccessResponse builds a success response correlated to request.
func CreateSuccessResponse(request *Message, data interface{}) (*Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Response: true,
		ID:       request.ID,
		OK:       true,
		Data:     raw,
	}, nil
}

// CreateErrorResponse builds an error response correlated to request.
func CreateErrorResponse(request *Message, code int, reason string) *Message {
	return &Message{
		Response:    true,
		ID:          request.ID,
		ErrorCode:   code,
		ErrorReason: reason,
	}
}

type wireRequest struct {
	Request bool            `json:"request"`
	ID      uint32          `json:"id"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wireSuccessResponse struct {
	Response bool            `json:"response"`
	ID       uint32          `json:"id"`
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type wireErrorResponse struct {
	Response    bool   `json:"response"`
	ID          uint32 `json:"id"`
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"errorCode"`
	ErrorReason string `json:"errorReason"`
}

type wireNotification struct {
	Notification bool            `json:"notification"`
	Method       string          `json:"method"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// wire returns the kind-specific encoding form of the message.
func (m *Message) wire() (interface{}, error) {
	switch {
	case m.Request:
		if m.Method == "" {
			return nil, errors.WithStack(InvalidMessageError{"request without method"})
		}
		return wireRequest{Request: true, ID: m.ID, Method: m.Method, Data: m.Data}, nil
	case m.Response:
		if m.OK {
			return wireSuccessResponse{Response: true, ID: m.ID, OK: true, Data: m.Data}, nil
		}
		return wireErrorResponse{
			Response:    true,
			ID:          m.ID,
			ErrorCode:   m.ErrorCode,
			ErrorReason: m.ErrorReason,
		}, nil
	case m.Notification:
		if m.Method == "" {
			return nil, errors.WithStack(InvalidMessageError{"notification without method"})
		}
		return wireNotification{Notification: true, Method: m.Method, Data: m.Data}, nil
	}
	return nil, errors.WithStack(InvalidMessageError{"message kind not set"})
}

// encode writes the message to w as a single JSON text frame.
func (m *Message) encode(w io.Writer) error {
	v, err := m.wire()
	if err != nil {
		return err
	}
	return errors.WithStack(json.NewEncoder(w).Encode(v))
}

// Marshal returns the message as a JSON text frame.
func (m *Message) Marshal() ([]byte, error) {
	v, err := m.wire()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

type wireProbe struct {
	Request      bool            `json:"request"`
	Response     bool            `json:"response"`
	Notification bool            `json:"notification"`
	ID           *uint32         `json:"id"`
	Method       string          `json:"method"`
	OK           bool            `json:"ok"`
	ErrorCode    *int            `json:"errorCode"`
	ErrorReason  *string         `json:"errorReason"`
	Data         json.RawMessage `json:"data"`
}

// Parse decodes and validates a wire frame. Classification is by the
// presence of exactly one of the tag fields request, response and
// notification. The reserved liveness literals "ping" and "pong" are
// rejected; they are transport frames, not messages.
func Parse(raw []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if string(trimmed) == pingFrame || string(trimmed) == pongFrame {
		return nil, errors.WithStack(InvalidMessageError{"reserved liveness frame"})
	}

	var probe wireProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.WithStack(err)
	}

	tags := 0
	for _, set := range []bool{probe.Request, probe.Response, probe.Notification} {
		if set {
			tags++
		}
	}
	if tags != 1 {
		return nil, errors.WithStack(InvalidMessageError{"message kind not set"})
	}

	msg := &Message{
		Request:      probe.Request,
		Response:     probe.Response,
		Notification: probe.Notification,
		Method:       probe.Method,
		OK:           probe.OK,
		Data:         probe.Data,
	}
	if probe.ID != nil {
		msg.ID = *probe.ID
	}

	switch {
	case probe.Request:
		if probe.Method == "" {
			return nil, errors.WithStack(InvalidMessageError{"request without method"})
		}
		if probe.ID == nil {
			return nil, errors.WithStack(InvalidMessageError{"request without id"})
		}
	case probe.Response:
		if probe.ID == nil {
			return nil, errors.WithStack(InvalidMessageError{"response without id"})
		}
		if !probe.OK {
			if probe.ErrorCode == nil || probe.ErrorReason == nil {
				return nil, errors.WithStack(InvalidMessageError{"error response without errorCode/errorReason"})
			}
			msg.ErrorCode = *probe.ErrorCode
			msg.ErrorReason = *probe.ErrorReason
		}
	case probe.Notification:
		if probe.Method == "" {
			return nil, errors.WithStack(InvalidMessageError{"notification without method"})
		}
	}

	return msg, nil
}
