package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxFrameBytes bounds any frame read from either side.
const MaxFrameBytes = 128 * 1024

const (
	TypeAuthOK = "auth_ok"
	TypeInfo   = "info"
	TypeError  = "error"
	TypePing   = "ping"
	TypePong   = "pong"
)

// ErrUnknownRequestType is the error text returned for unhandled types.
const ErrUnknownRequestType = "unknown request type"

// Request is one client frame after authentication. Fields other than id and
// type are kept in Payload.
type Request struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response echoes the request id.
type Response struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Info    *Info           `json:"info,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Info describes the process answering the control channel. PeerStore is
// the identity store the process actually bound.
type Info struct {
	PeerStore     string    `json:"peerStore"`
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	InstanceID    string    `json:"instanceId,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	SCBridge      string    `json:"scBridge"`
	Sidechannels  []string  `json:"sidechannels"`
	SubnetChannel string    `json:"subnetChannel,omitempty"`
}

func (i Info) Validate() error {
	if strings.TrimSpace(i.PeerStore) == "" {
		return fmt.Errorf("%w: missing peerStore", ErrInvalidInfo)
	}
	if i.PID <= 0 {
		return fmt.Errorf("%w: missing pid", ErrInvalidInfo)
	}
	return nil
}

func (r Response) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return ErrMissingType
	}
	if r.Type == TypeInfo {
		if r.Info == nil {
			return fmt.Errorf("%w: info response without info", ErrInvalidInfo)
		}
		return r.Info.Validate()
	}
	return nil
}

// Err returns the server-side error carried by an error response.
func (r Response) Err() error {
	if r.Type != TypeError {
		return nil
	}
	return &RemoteError{ID: r.ID, Message: r.Error}
}

// RemoteError is an error response from the peer.
type RemoteError struct {
	ID      uint64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (id %d): %s", e.ID, e.Message)
}

type wireFrame struct {
	ID   *uint64 `json:"id"`
	Type string  `json:"type"`
}

// DecodeRequest parses a client frame. Frames without an id or type are
// malformed and end the session.
func DecodeRequest(data []byte) (Request, error) {
	frame, err := decodeFrame(data)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	req.ID = *frame.ID
	return req, nil
}

// DecodeResponse parses a server frame and validates its shape.
func DecodeResponse(data []byte) (Response, error) {
	frame, err := decodeFrame(data)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	resp.ID = *frame.ID
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func decodeFrame(data []byte) (wireFrame, error) {
	if len(data) > MaxFrameBytes {
		return wireFrame{}, ErrFrameTooLarge
	}
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return wireFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.ID == nil {
		return wireFrame{}, ErrMissingID
	}
	if strings.TrimSpace(frame.Type) == "" {
		return wireFrame{}, ErrMissingType
	}
	return frame, nil
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// AuthOK is the frame that accepts a token.
func AuthOK() []byte {
	return []byte(`{"type":"auth_ok"}`)
}

// IsAuthOK reports whether data is the acceptance frame.
func IsAuthOK(data []byte) bool {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &frame); err != nil {
		return false
	}
	return frame.Type == TypeAuthOK
}

// ErrorResponse answers id with an error envelope.
func ErrorResponse(id uint64, msg string) Response {
	return Response{ID: id, Type: TypeError, Error: msg}
}
