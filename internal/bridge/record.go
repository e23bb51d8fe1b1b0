// Package bridge carries sessions across a process boundary. The extension
// side (Host) owns session objects in a handle arena; the main side (Main)
// sees only integer handles and flat, versioned records.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kernelhost/khost/internal/runtime"
)

// ProtocolVersion is stamped on every record the Host emits.
const ProtocolVersion = 1

var (
	// ErrUnknownHandle is returned by handle operations that must produce a
	// value when the handle is not live.
	ErrUnknownHandle = errors.New("unknown session handle")
	// ErrUnsupportedProtocol is returned for records of another protocol
	// version.
	ErrUnsupportedProtocol = errors.New("unsupported bridge protocol version")
)

// RecordKind names the session event a record carries.
type RecordKind string

const (
	RecordMessage     RecordKind = "message"
	RecordState       RecordKind = "state"
	RecordExit        RecordKind = "exit"
	RecordClientEvent RecordKind = "client_event"
)

// Record is one session event crossing the boundary.
type Record struct {
	ProtocolVersion int             `json:"protocol_version"`
	Handle          int             `json:"handle"`
	Kind            RecordKind      `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       time.Time       `json:"timestamp"`
}

type statePayload struct {
	State runtime.State `json:"state"`
}

func newRecord(handle int, kind RecordKind, payload any, now time.Time) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s record for handle %d: %w", kind, handle, err)
	}
	return Record{
		ProtocolVersion: ProtocolVersion,
		Handle:          handle,
		Kind:            kind,
		Payload:         data,
		Timestamp:       now.UTC(),
	}, nil
}

// ClientEntry is one channel in a ListClients reply. Position is its index
// in the session's creation-ordered list, so the main side can rebuild that
// order from the map.
type ClientEntry struct {
	runtime.ClientInstance
	Position int `json:"position"`
}

// CreateResult is returned across the boundary by CreateSession.
type CreateResult struct {
	Handle   int              `json:"handle"`
	DynState runtime.DynState `json:"dyn_state"`
}
