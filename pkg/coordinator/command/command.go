// Package command encodes pipe lifecycle commands proposed through raft.
package command

import (
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"

	"github.com/unijord/pipecdc/pkg/gen/go/fb/pipecmd"
)

const oneKB = 1024

// ErrMalformed is returned by Decode for bytes that are not a PipeCommand.
var ErrMalformed = errors.New("malformed pipe command")

// Command is the decoded form of a pipecmd.PipeCommand.
type Command struct {
	Type       pipecmd.CommandType
	Name       string
	From       uint8
	To         uint8
	Payload    []byte
	Region     string
	Node       string
	ProposedAt uint64
	RequestID  string
	Generation uint64
}

// Builder helps construct raft commands as FlatBuffers.
type Builder struct {
	pool sync.Pool
	now  func() time.Time
}

// NewCommandBuilder creates a new command builder.
func NewCommandBuilder() *Builder {
	return &Builder{
		pool: sync.Pool{
			New: func() interface{} {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
		now: time.Now,
	}
}

func (cb *Builder) getBuilder() *flatbuffers.Builder {
	return cb.pool.Get().(*flatbuffers.Builder)
}

func (cb *Builder) putBuilder(b *flatbuffers.Builder) {
	b.Reset()
	cb.pool.Put(b)
}

// BuildCreate creates a CREATE command carrying the JSON encoded
// configuration. The FSM stores requestID with the record so a proposer
// can recognise its own commit after an ambiguous apply error. An empty
// requestID gets a fresh one.
func (cb *Builder) BuildCreate(name string, config []byte, requestID string) []byte {
	return cb.build(Command{Type: pipecmd.CommandTypeCREATE, Name: name, Payload: config, RequestID: requestID})
}

// BuildTransition creates a TRANSITION command. The FSM rejects it when the
// pipe is no longer in state from.
func (cb *Builder) BuildTransition(name string, from, to uint8) []byte {
	return cb.build(Command{Type: pipecmd.CommandTypeTRANSITION, Name: name, From: from, To: to})
}

// BuildHistoryDone creates a HISTORY_DONE command for one region of one
// generation of a pipe.
func (cb *Builder) BuildHistoryDone(name string, generation uint64, region, node string) []byte {
	return cb.build(Command{
		Type:       pipecmd.CommandTypeHISTORY_DONE,
		Name:       name,
		Generation: generation,
		Region:     region,
		Node:       node,
	})
}

func (cb *Builder) build(c Command) []byte {
	builder := cb.getBuilder()
	defer cb.putBuilder(builder)

	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}

	nameOffset := builder.CreateString(c.Name)
	requestOffset := builder.CreateString(c.RequestID)
	var payloadOffset, regionOffset, nodeOffset flatbuffers.UOffsetT
	if len(c.Payload) > 0 {
		payloadOffset = builder.CreateByteVector(c.Payload)
	}
	if c.Region != "" {
		regionOffset = builder.CreateString(c.Region)
	}
	if c.Node != "" {
		nodeOffset = builder.CreateString(c.Node)
	}

	pipecmd.PipeCommandStart(builder)
	pipecmd.PipeCommandAddType(builder, c.Type)
	pipecmd.PipeCommandAddName(builder, nameOffset)
	pipecmd.PipeCommandAddFromState(builder, c.From)
	pipecmd.PipeCommandAddToState(builder, c.To)
	if payloadOffset != 0 {
		pipecmd.PipeCommandAddPayload(builder, payloadOffset)
	}
	if regionOffset != 0 {
		pipecmd.PipeCommandAddRegion(builder, regionOffset)
	}
	if nodeOffset != 0 {
		pipecmd.PipeCommandAddNode(builder, nodeOffset)
	}
	pipecmd.PipeCommandAddProposedAt(builder, uint64(cb.now().UnixMilli()))
	pipecmd.PipeCommandAddRequestId(builder, requestOffset)
	pipecmd.PipeCommandAddGeneration(builder, c.Generation)
	cmd := pipecmd.PipeCommandEnd(builder)

	builder.Finish(cmd)
	data := builder.FinishedBytes()

	// builder memory goes back to the pool
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// Decode parses a PipeCommand. Payload aliases data.
func Decode(data []byte) (c Command, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return Command{}, ErrMalformed
	}
	defer func() {
		// flatbuffers accessors index the buffer directly
		if r := recover(); r != nil {
			c, err = Command{}, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	fb := pipecmd.GetRootAsPipeCommand(data, 0)
	c = Command{
		Type:       fb.Type(),
		Name:       string(fb.Name()),
		From:       fb.FromState(),
		To:         fb.ToState(),
		Payload:    fb.PayloadBytes(),
		Region:     string(fb.Region()),
		Node:       string(fb.Node()),
		ProposedAt: fb.ProposedAt(),
		RequestID:  string(fb.RequestId()),
		Generation: fb.Generation(),
	}
	if _, ok := pipecmd.EnumNamesCommandType[c.Type]; !ok || c.Type == pipecmd.CommandTypeNONE {
		return Command{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, c.Type)
	}
	return c, nil
}
