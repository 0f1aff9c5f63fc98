package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

func TestRegistry_CatalogForValidator(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{pipeconfig.DoNothingConnector, pipeconfig.LogConnector}, reg.IDs())

	v := pipeconfig.NewValidator(pipeconfig.WithConnectorCatalog(reg))
	_, err := v.Validate("p", pipeconfig.RawAttributes{
		Connector: map[string]string{pipeconfig.KeyConnector: "iotdb-thrift-connector"},
	})
	require.Error(t, err)

	reg.Register("iotdb-thrift-connector", func(string, pipeconfig.Plugin, *slog.Logger) (Connector, error) {
		return DoNothing{}, nil
	})
	cfg, err := v.Validate("p", pipeconfig.RawAttributes{
		Connector: map[string]string{pipeconfig.KeyConnector: "iotdb-thrift-connector"},
	})
	require.NoError(t, err)

	c, err := reg.Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Transfer(context.Background(), []extraction.CapturedEvent{{Path: "root.a.b"}}))
	require.NoError(t, c.Close())
}

func TestRegistry_OpenUnknown(t *testing.T) {
	_, err := NewRegistry().Open(&pipeconfig.PipeConfiguration{
		Name:      "p",
		Connector: pipeconfig.Plugin{ID: "nope"},
	}, nil)
	assert.Error(t, err)
}

func TestLogConnector(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c := NewLog("p1", pipeconfig.Plugin{
		ID:         pipeconfig.LogConnector,
		Attributes: map[string]string{KeyLogLevel: "debug"},
	}, logger)

	err := c.Transfer(context.Background(), []extraction.CapturedEvent{
		{Region: "r1", Path: "root.db.d1.s1", Timestamp: 1, Value: 1.5},
		{Region: "r1", Path: "root.db.d1.s2", Timestamp: 2, Value: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Total())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "p1", rec["pipe"])
	assert.Equal(t, "root.db.d1.s1", rec["path"])

	require.NoError(t, c.Close())
	assert.Error(t, c.Transfer(context.Background(), nil))
}
