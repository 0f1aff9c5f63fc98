package command

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/gen/go/fb/pipecmd"
)

func TestBuildCreate(t *testing.T) {
	cb := NewCommandBuilder()
	cb.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	data := cb.BuildCreate("p1", []byte(`{"name":"p1"}`), "")
	c, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, pipecmd.CommandTypeCREATE, c.Type)
	assert.Equal(t, "p1", c.Name)
	assert.Equal(t, `{"name":"p1"}`, string(c.Payload))
	assert.Equal(t, uint64(1_700_000_000_000), c.ProposedAt)
	_, err = uuid.Parse(c.RequestID)
	assert.NoError(t, err)
	assert.Empty(t, c.Region)
	assert.Empty(t, c.Node)
}

func TestBuildCreate_KeepsRequestID(t *testing.T) {
	cb := NewCommandBuilder()
	c, err := Decode(cb.BuildCreate("p1", nil, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", c.RequestID)
	assert.Nil(t, c.Payload)
}

func TestBuildTransition(t *testing.T) {
	cb := NewCommandBuilder()
	c, err := Decode(cb.BuildTransition("p1", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, pipecmd.CommandTypeTRANSITION, c.Type)
	assert.Equal(t, uint8(1), c.From)
	assert.Equal(t, uint8(2), c.To)
	assert.Nil(t, c.Payload)
}

func TestBuildHistoryDone(t *testing.T) {
	cb := NewCommandBuilder()
	c, err := Decode(cb.BuildHistoryDone("p1", 7, "r1", "n1"))
	require.NoError(t, err)
	assert.Equal(t, pipecmd.CommandTypeHISTORY_DONE, c.Type)
	assert.Equal(t, uint64(7), c.Generation)
	assert.Equal(t, "r1", c.Region)
	assert.Equal(t, "n1", c.Node)
}

func TestRequestIDsAreUnique(t *testing.T) {
	cb := NewCommandBuilder()
	a, err := Decode(cb.BuildTransition("p1", 1, 2))
	require.NoError(t, err)
	b, err := Decode(cb.BuildTransition("p1", 1, 2))
	require.NoError(t, err)
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestDecode_Malformed(t *testing.T) {
	for _, data := range [][]byte{nil, {1}, {0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0}} {
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestBuilder_Concurrent(t *testing.T) {
	cb := NewCommandBuilder()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c, err := Decode(cb.BuildHistoryDone("pipe", uint64(j), "r", "n"))
				if err != nil || c.Generation != uint64(j) {
					t.Errorf("decode %d: %v %+v", j, err, c)
					return
				}
			}
		}()
	}
	wg.Wait()
}
