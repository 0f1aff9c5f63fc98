package fsm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

// State of a pipe task.
type State uint8

// Pipe states
const (
	StateCreated State = 1
	StateRunning State = 2
	StateStopped State = 3
	StateDropped State = 4
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, c := range []State{StateCreated, StateRunning, StateStopped, StateDropped} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown pipe state %q", text)
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to State) bool {
	switch to {
	case StateRunning:
		return from == StateCreated || from == StateStopped
	case StateStopped:
		return from == StateRunning
	case StateDropped:
		return from == StateCreated || from == StateRunning || from == StateStopped
	default:
		return false
	}
}

// PipeRecord is the BoltDB value for a pipe.
type PipeRecord struct {
	Name   string                        `json:"name"`
	State  State                         `json:"state"`
	Config *pipeconfig.PipeConfiguration `json:"config"`

	// Raft index of the CREATE that produced this record.
	Generation uint64 `json:"generation"`
	// Request id of that CREATE.
	RequestID string `json:"request_id,omitempty"`

	// Unix milliseconds, taken from the proposing leader.
	CreatedAt    uint64 `json:"created_at"`
	RunningSince uint64 `json:"running_since,omitempty"`

	// Raft index of the last change.
	UpdatedIndex uint64 `json:"updated_index"`

	// region id -> node that finished the historical scan
	HistoryDone map[string]string `json:"history_done,omitempty"`
}

// Encode serializes the PipeRecord to JSON bytes.
func (r *PipeRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodePipeRecord parses a stored record, nil when data is empty or invalid.
func DecodePipeRecord(data []byte) *PipeRecord {
	if len(data) == 0 {
		return nil
	}
	var r PipeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

// Live reports whether the record is not a tombstone.
func (r *PipeRecord) Live() bool {
	return r != nil && r.State != StateDropped
}

// RegionDone reports whether the historical scan of region finished.
func (r *PipeRecord) RegionDone(region string) bool {
	_, ok := r.HistoryDone[region]
	return ok
}

// Clone returns a deep copy.
func (r *PipeRecord) Clone() *PipeRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Config != nil {
		out.Config = r.Config.Clone()
	}
	out.HistoryDone = maps.Clone(r.HistoryDone)
	return &out
}

// EncodeUint64 converts a uint64 to big-endian bytes.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 converts big-endian bytes back to uint64.
func DecodeUint64(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
