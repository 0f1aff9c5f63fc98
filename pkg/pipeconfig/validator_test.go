package pipeconfig

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/pipeerr"
	"github.com/unijord/pipecdc/pkg/timerange"
)

func attrs(extractor map[string]string) RawAttributes {
	return RawAttributes{
		Extractor: extractor,
		Connector: map[string]string{KeyConnector: DoNothingConnector},
	}
}

// configFields flattens a joined error into the rejected field names.
func configFields(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ce, ok := e.(*pipeerr.ConfigurationError); ok {
			out = append(out, ce.Field)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

func TestValidate_Defaults(t *testing.T) {
	cfg, err := NewValidator().Validate("p1", attrs(nil))
	require.NoError(t, err)
	assert.True(t, cfg.HistoryEnabled)
	assert.True(t, cfg.RealtimeEnabled)
	assert.Nil(t, cfg.Pattern)
	assert.True(t, cfg.HistoryRange.IsAll())
	assert.Equal(t, DoNothingProcessor, cfg.Processor.ID)
	assert.Equal(t, DoNothingConnector, cfg.Connector.ID)
	assert.True(t, cfg.Matches("root.anything.at.all"))
}

func TestValidate_BothModesDisabledAlwaysRejected(t *testing.T) {
	patterns := []string{"", "root.db.d1", "root.**", "root.db.`d1"}
	starts := []string{"", "2000.01.01T08:00:00", "null"}
	ends := []string{"", "2100.01.01T08:00:00", "1"}
	connectors := []string{DoNothingConnector, "iotdb-thrift-connector", ""}

	v := NewValidator()
	for _, p := range patterns {
		for _, s := range starts {
			for _, e := range ends {
				for _, c := range connectors {
					ex := map[string]string{
						KeyHistoryEnable:  "false",
						KeyRealtimeEnable: "false",
					}
					if p != "" {
						ex[KeyPattern] = p
					}
					if s != "" {
						ex[KeyHistoryStart] = s
					}
					if e != "" {
						ex[KeyHistoryEnd] = e
					}
					a := RawAttributes{Extractor: ex, Connector: map[string]string{}}
					if c != "" {
						a.Connector[KeyConnector] = c
					}
					_, err := v.Validate("p", a)
					require.Error(t, err)
					assert.True(t, pipeerr.IsConfiguration(err))
					assert.Contains(t, configFields(err), KeyHistoryEnable+","+KeyRealtimeEnable,
						"pattern=%q start=%q end=%q connector=%q", p, s, e, c)
				}
			}
		}
	}
}

func TestValidate_Flags(t *testing.T) {
	v := NewValidator()

	cfg, err := v.Validate("p", attrs(map[string]string{KeyHistoryEnable: "false"}))
	require.NoError(t, err)
	assert.False(t, cfg.HistoryEnabled)
	assert.True(t, cfg.RealtimeEnabled)

	cfg, err = v.Validate("p", attrs(map[string]string{KeyRealtimeEnable: "FALSE"}))
	require.NoError(t, err)
	assert.True(t, cfg.HistoryEnabled)
	assert.False(t, cfg.RealtimeEnabled)

	_, err = v.Validate("p", attrs(map[string]string{KeyRealtimeEnable: "yes"}))
	require.Error(t, err)
	assert.Equal(t, []string{KeyRealtimeEnable}, configFields(err))
}

func TestValidate_TimesCheckedEvenWhenHistoryDisabled(t *testing.T) {
	v := NewValidator()
	for _, bad := range []string{"", "null", "1", "-1000-01-01T00:00:00", "2000-01-01T00:00:0"} {
		t.Run("start="+bad, func(t *testing.T) {
			_, err := v.Validate("p", attrs(map[string]string{
				KeyHistoryEnable: "false",
				KeyHistoryStart:  bad,
			}))
			require.Error(t, err)
			assert.Equal(t, []string{KeyHistoryStart}, configFields(err))
		})
		t.Run("end="+bad, func(t *testing.T) {
			_, err := v.Validate("p", attrs(map[string]string{KeyHistoryEnd: bad}))
			require.Error(t, err)
			assert.Equal(t, []string{KeyHistoryEnd}, configFields(err))
		})
	}
}

func TestValidate_HistoryRange(t *testing.T) {
	v := NewValidator()

	cfg, err := v.Validate("p", attrs(map[string]string{
		KeyHistoryStart: "1970-01-01T08:00:02+08:00",
		KeyHistoryEnd:   "1970-01-01T08:00:04+08:00",
	}))
	require.NoError(t, err)
	assert.Equal(t, timerange.TimeRange{Start: 2000, End: 4000}, cfg.HistoryRange)

	// range is dropped when history is off
	cfg, err = v.Validate("p", attrs(map[string]string{
		KeyHistoryEnable: "false",
		KeyHistoryStart:  "1970-01-01T08:00:02+08:00",
	}))
	require.NoError(t, err)
	assert.True(t, cfg.HistoryRange.IsAll())

	_, err = v.Validate("p", attrs(map[string]string{
		KeyHistoryStart: "2001.01.01T08:00:00",
		KeyHistoryEnd:   "2000.01.01T08:00:00",
	}))
	require.Error(t, err)
	assert.True(t, pipeerr.IsConfiguration(err))

	cfg, err = v.Validate("p", attrs(map[string]string{
		KeyHistoryStart: "2000.01.01T08:00:00",
		KeyHistoryEnd:   "2000.01.01T08:00:00",
	}))
	require.NoError(t, err)
	assert.Equal(t, cfg.HistoryRange.Start, cfg.HistoryRange.End)
}

func TestValidate_DefaultLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	cfg, err := NewValidator(WithDefaultLocation(loc)).Validate("p", attrs(map[string]string{
		KeyHistoryStart: "1970-01-01T08:00:01",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cfg.HistoryRange.Start)
}

func TestValidate_Pattern(t *testing.T) {
	v := NewValidator()

	cfg, err := v.Validate("p", attrs(map[string]string{KeyPattern: "root.db.d2"}))
	require.NoError(t, err)
	require.NotNil(t, cfg.Pattern)
	assert.True(t, cfg.Matches("root.db.d2.s1"))
	assert.False(t, cfg.Matches("root.db.d1.s1"))

	_, err = v.Validate("p", attrs(map[string]string{KeyPattern: "root.db.`d2"}))
	require.Error(t, err)
	assert.Equal(t, []string{KeyPattern}, configFields(err))
}

func TestValidate_Connector(t *testing.T) {
	v := NewValidator()

	_, err := v.Validate("p", RawAttributes{})
	require.Error(t, err)
	assert.Equal(t, []string{KeyConnector}, configFields(err))

	_, err = v.Validate("p", RawAttributes{Connector: map[string]string{KeyConnector: "no-such-connector"}})
	require.Error(t, err)
	assert.Equal(t, []string{KeyConnector}, configFields(err))

	custom := NewValidator(WithConnectorCatalog(NewStaticCatalog("iotdb-thrift-connector")))
	cfg, err := custom.Validate("p", RawAttributes{Connector: map[string]string{
		KeyConnector:     "iotdb-thrift-connector",
		"connector.ip":   "127.0.0.1",
		"connector.port": "6668",
	}})
	require.NoError(t, err)
	assert.Equal(t, "iotdb-thrift-connector", cfg.Connector.ID)
	assert.Equal(t, "6668", cfg.Connector.Attr("connector.port"))
	_, hasID := cfg.Connector.Attributes[KeyConnector]
	assert.False(t, hasID)
}

func TestValidate_Aliases(t *testing.T) {
	v := NewValidator()
	cfg, err := v.Validate("p", RawAttributes{
		Extractor: map[string]string{
			"source.pattern":         "root.db",
			"source.realtime.enable": "false",
		},
		Connector: map[string]string{
			"sink":     LogConnector,
			"sink.tag": "x",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "root.db", cfg.Pattern.String())
	assert.False(t, cfg.RealtimeEnabled)
	assert.Equal(t, LogConnector, cfg.Connector.ID)
	assert.Equal(t, "x", cfg.Connector.Attr("connector.tag"))

	_, err = v.Validate("p", RawAttributes{
		Extractor: map[string]string{
			"source.pattern":    "root.db",
			"extractor.pattern": "root.other",
		},
		Connector: map[string]string{KeyConnector: LogConnector},
	})
	require.Error(t, err)
	assert.True(t, pipeerr.IsConfiguration(err))
}

func TestValidate_Processor(t *testing.T) {
	v := NewValidator()

	cfg, err := v.Validate("p", RawAttributes{
		Processor: map[string]string{
			KeyProcessor:       CELFilterProcessor,
			KeyProcessorFilter: `value != null && measurement == "s1"`,
		},
		Connector: map[string]string{KeyConnector: DoNothingConnector},
	})
	require.NoError(t, err)
	assert.Equal(t, CELFilterProcessor, cfg.Processor.ID)
	assert.Equal(t, `value != null && measurement == "s1"`, cfg.Processor.Attr(KeyProcessorFilter))

	tests := []struct {
		name string
		attr map[string]string
	}{
		{name: "unknown", attr: map[string]string{KeyProcessor: "nope"}},
		{name: "missing_filter", attr: map[string]string{KeyProcessor: CELFilterProcessor}},
		{name: "non_bool", attr: map[string]string{KeyProcessor: CELFilterProcessor, KeyProcessorFilter: "timestamp"}},
		{name: "syntax", attr: map[string]string{KeyProcessor: CELFilterProcessor, KeyProcessorFilter: "path =="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate("p", RawAttributes{
				Processor: tt.attr,
				Connector: map[string]string{KeyConnector: DoNothingConnector},
			})
			require.Error(t, err)
			assert.True(t, pipeerr.IsConfiguration(err))
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("p1"))
	assert.NoError(t, ValidateName(strings.Repeat("a", MaxNameLength)))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("has space"))
	assert.Error(t, ValidateName("tab\tname"))
	assert.Error(t, ValidateName(strings.Repeat("a", MaxNameLength+1)))
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	_, err := NewValidator().Validate("bad name", RawAttributes{
		Extractor: map[string]string{
			KeyPattern:      "sg.d1",
			KeyHistoryStart: "null",
		},
	})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"name", KeyPattern, KeyHistoryStart, KeyConnector}, configFields(err))
}

func TestPipeConfiguration_JSONRoundTrip(t *testing.T) {
	cfg, err := NewValidator().Validate("p", attrs(map[string]string{
		KeyPattern:      "root.aligned.`1(TS)`",
		KeyHistoryStart: "2000.01.01T08:00:00",
	}))
	require.NoError(t, err)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var out PipeConfiguration
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, cfg.Pattern.String(), out.Pattern.String())
	assert.Equal(t, cfg.HistoryRange, out.HistoryRange)
	assert.Equal(t, cfg.Summary(), out.Summary())
}
