package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageKind is returned when a record names a kind this package
// cannot decode.
var ErrUnknownMessageKind = errors.New("unknown message kind")

// MessageKind tags the body of a Message.
type MessageKind string

const (
	KindOutput       MessageKind = "output"
	KindStream       MessageKind = "stream"
	KindResult       MessageKind = "result"
	KindError        MessageKind = "error"
	KindState        MessageKind = "state"
	KindInputRequest MessageKind = "input_request"
	KindCommOpen     MessageKind = "comm_open"
	KindCommData     MessageKind = "comm_data"
	KindCommClosed   MessageKind = "comm_closed"
)

// Body is the kind-specific payload of a Message. The set of
// implementations is closed.
type Body interface {
	Kind() MessageKind
	isBody()
}

// Message is one kernel message delivered to session listeners.
type Message struct {
	ID       string
	ParentID string
	When     time.Time
	Body     Body
}

// Kind returns the kind of the message body, or "" when the body is nil.
func (m Message) Kind() MessageKind {
	if m.Body == nil {
		return ""
	}
	return m.Body.Kind()
}

// Output carries rich display data keyed by MIME type.
type Output struct {
	Data map[string]any `json:"data"`
}

// StreamName identifies an output stream.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// Stream carries text written to stdout or stderr.
type Stream struct {
	Name StreamName `json:"name"`
	Text string     `json:"text"`
}

// Result carries the value of an evaluated expression.
type Result struct {
	Data map[string]any `json:"data"`
}

// ExecError reports a failed execution.
type ExecError struct {
	Name      string   `json:"name"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// StateChange reports a kernel status change.
type StateChange struct {
	State State `json:"state"`
}

// InputRequest asks the host for a line of input.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password,omitempty"`
}

// CommOpen reports a client channel opened by the kernel.
type CommOpen struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CommData carries one payload on an open client channel.
type CommData struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data"`
}

// CommClosed reports that a client channel was closed.
type CommClosed struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (Output) Kind() MessageKind       { return KindOutput }
func (Stream) Kind() MessageKind       { return KindStream }
func (Result) Kind() MessageKind       { return KindResult }
func (ExecError) Kind() MessageKind    { return KindError }
func (StateChange) Kind() MessageKind  { return KindState }
func (InputRequest) Kind() MessageKind { return KindInputRequest }
func (CommOpen) Kind() MessageKind     { return KindCommOpen }
func (CommData) Kind() MessageKind     { return KindCommData }
func (CommClosed) Kind() MessageKind   { return KindCommClosed }

func (Output) isBody()       {}
func (Stream) isBody()       {}
func (Result) isBody()       {}
func (ExecError) isBody()    {}
func (StateChange) isBody()  {}
func (InputRequest) isBody() {}
func (CommOpen) isBody()     {}
func (CommData) isBody()     {}
func (CommClosed) isBody()   {}

type messageRecord struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parent_id,omitempty"`
	When     time.Time       `json:"when"`
	Kind     MessageKind     `json:"kind"`
	Body     json.RawMessage `json:"body"`
}

// MarshalJSON encodes the message as a flat record with a kind tag.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, errors.New("message body must not be nil")
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", m.Body.Kind(), err)
	}
	return json.Marshal(messageRecord{
		ID:       m.ID,
		ParentID: m.ParentID,
		When:     m.When,
		Kind:     m.Body.Kind(),
		Body:     body,
	})
}

// UnmarshalJSON decodes a flat record into the tagged representation.
func (m *Message) UnmarshalJSON(data []byte) error {
	var record messageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode message record: %w", err)
	}
	body, err := decodeBody(record.Kind, record.Body)
	if err != nil {
		return err
	}
	*m = Message{
		ID:       record.ID,
		ParentID: record.ParentID,
		When:     record.When,
		Body:     body,
	}
	return nil
}

// DecodeMessage decodes one raw record at a boundary.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func decodeBody(kind MessageKind, raw json.RawMessage) (Body, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindOutput:
		return decodeInto[Output](kind, raw)
	case KindStream:
		return decodeInto[Stream](kind, raw)
	case KindResult:
		return decodeInto[Result](kind, raw)
	case KindError:
		return decodeInto[ExecError](kind, raw)
	case KindState:
		body, err := decodeInto[StateChange](kind, raw)
		if err != nil {
			return nil, err
		}
		if change := body.(StateChange); !change.State.Valid() {
			return nil, fmt.Errorf("decode %s body: unknown state %q", kind, change.State)
		}
		return body, nil
	case KindInputRequest:
		return decodeInto[InputRequest](kind, raw)
	case KindCommOpen:
		return decodeInto[CommOpen](kind, raw)
	case KindCommData:
		return decodeInto[CommData](kind, raw)
	case KindCommClosed:
		return decodeInto[CommClosed](kind, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, kind)
	}
}

func decodeInto[T Body](kind MessageKind, raw json.RawMessage) (Body, error) {
	var body T
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", kind, err)
	}
	return body, nil
}
