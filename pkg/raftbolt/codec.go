package raftbolt

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/hashicorp/raft"
)

// Codec encodes raft log entries for storage.
// Implementations must be safe for concurrent use.
type Codec interface {
	ID() uint64

	// Encode serializes a raft.Log into a byte slice.
	Encode(log *raft.Log) ([]byte, error)

	// Decode deserializes a byte slice into a raft.Log. The returned Log
	// may alias data.
	Decode(data []byte) (raft.Log, error)
}

const (
	// CodecBinaryV1ID is the ID for the built-in binary codec.
	CodecBinaryV1ID uint64 = 1
)

// BinaryCodecV1 is the default codec.
// Format: term(8) | index(8) | type(1) | appendedAt(8) | dataLen(varint) | data | extLen(varint) | ext
type BinaryCodecV1 struct{}

// ID returns the codec identifier.
func (BinaryCodecV1) ID() uint64 {
	return CodecBinaryV1ID
}

// Encode serializes a raft.Log into a freshly sized buffer.
func (BinaryCodecV1) Encode(l *raft.Log) ([]byte, error) {
	totalSize := headerSize +
		varintSize(uint64(len(l.Data))) + len(l.Data) +
		varintSize(uint64(len(l.Extensions))) + len(l.Extensions)
	buf := make([]byte, totalSize)

	binary.LittleEndian.PutUint64(buf[0:], l.Term)
	binary.LittleEndian.PutUint64(buf[8:], l.Index)
	buf[16] = byte(l.Type)

	var appended int64
	if !l.AppendedAt.IsZero() {
		appended = l.AppendedAt.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf[17:], uint64(appended))

	offset := headerSize
	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Data)))
	offset += copy(buf[offset:], l.Data)
	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Extensions)))
	copy(buf[offset:], l.Extensions)

	return buf, nil
}

const headerSize = 8 + 8 + 1 + 8

// Decode deserializes a raft.Log.
func (BinaryCodecV1) Decode(data []byte) (raft.Log, error) {
	if len(data) < headerSize {
		return raft.Log{}, errors.New("data too short")
	}

	var l raft.Log
	l.Term = binary.LittleEndian.Uint64(data[0:8])
	l.Index = binary.LittleEndian.Uint64(data[8:16])
	l.Type = raft.LogType(data[16])
	if ts := binary.LittleEndian.Uint64(data[17:25]); ts != 0 {
		l.AppendedAt = time.Unix(0, int64(ts))
	}

	rest := data[headerSize:]
	var err error
	if l.Data, rest, err = readBytes(rest, "data"); err != nil {
		return raft.Log{}, err
	}
	if l.Extensions, _, err = readBytes(rest, "extensions"); err != nil {
		return raft.Log{}, err
	}
	return l, nil
}

func readBytes(buf []byte, what string) ([]byte, []byte, error) {
	n, size := binary.Uvarint(buf)
	if size <= 0 {
		return nil, nil, errors.New("invalid " + what + " length varint")
	}
	buf = buf[size:]
	if n > uint64(len(buf)) {
		return nil, nil, errors.New(what + " length exceeds buffer")
	}
	if n == 0 {
		return nil, buf, nil
	}
	return buf[:n], buf[n:], nil
}

// varintSize returns the number of bytes needed to encode v as a varint.
func varintSize(v uint64) int {
	size := 1
	for v >= 0x80 {
		v >>= 7
		size++
	}
	return size
}

var _ Codec = BinaryCodecV1{}
