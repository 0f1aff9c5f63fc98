package pipeconfig

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/unijord/pipecdc/pkg/cel"
	"github.com/unijord/pipecdc/pkg/pathpattern"
	"github.com/unijord/pipecdc/pkg/pipeerr"
	"github.com/unijord/pipecdc/pkg/timerange"
)

// Validator checks raw attributes. It has no side effects and is safe for
// concurrent use.
type Validator struct {
	connectors Catalog
	processors Catalog
	loc        *time.Location
}

type Option func(*Validator)

// WithConnectorCatalog sets the recognized connector identifiers.
func WithConnectorCatalog(c Catalog) Option {
	return func(v *Validator) { v.connectors = c }
}

// WithProcessorCatalog sets the recognized processor identifiers.
func WithProcessorCatalog(c Catalog) Option {
	return func(v *Validator) { v.processors = c }
}

// WithDefaultLocation sets the zone for timestamps without an offset.
func WithDefaultLocation(loc *time.Location) Option {
	return func(v *Validator) {
		if loc != nil {
			v.loc = loc
		}
	}
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		connectors: NewStaticCatalog(DoNothingConnector, LogConnector),
		processors: NewStaticCatalog(DoNothingProcessor, CELFilterProcessor),
		loc:        time.UTC,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate builds a PipeConfiguration from attrs. Every present field is
// checked; all problems are returned joined, each a *pipeerr.ConfigurationError.
func (v *Validator) Validate(name string, attrs RawAttributes) (*PipeConfiguration, error) {
	var errs []error
	fail := func(err error) { errs = append(errs, err) }

	if err := ValidateName(name); err != nil {
		fail(err)
	}

	extractor, conflicts := normalize(attrs.Extractor, extractorKey)
	connector, cc := normalize(attrs.Connector, connectorKey)
	processor, pc := normalize(attrs.Processor, processorKey)
	conflicts = append(append(conflicts, cc...), pc...)
	sort.Strings(conflicts)
	for _, c := range conflicts {
		fail(pipeerr.Configuration(c, "", "attribute given twice with different values"))
	}

	cfg := &PipeConfiguration{Name: name, HistoryRange: timerange.All()}

	history, err := parseFlag(extractor, KeyHistoryEnable)
	if err != nil {
		fail(err)
	}
	realtime, err := parseFlag(extractor, KeyRealtimeEnable)
	if err != nil {
		fail(err)
	}
	if !history && !realtime {
		fail(pipeerr.Configuration(KeyHistoryEnable+","+KeyRealtimeEnable, "false",
			"history and realtime extraction cannot both be disabled"))
	}
	cfg.HistoryEnabled, cfg.RealtimeEnabled = history, realtime

	if raw, ok := extractor[KeyPattern]; ok {
		p, err := pathpattern.Parse(raw)
		if err != nil {
			fail(relabel(err, KeyPattern))
		} else {
			cfg.Pattern = p
		}
	}

	r, err := timerange.ParseFields(KeyHistoryStart, KeyHistoryEnd,
		bound(extractor, KeyHistoryStart), bound(extractor, KeyHistoryEnd), v.loc)
	if err != nil {
		fail(err)
	} else if history {
		cfg.HistoryRange = r
	}

	if c, err := v.connectorPlugin(connector); err != nil {
		fail(err)
	} else {
		cfg.Connector = c
	}
	if p, err := v.processorPlugin(processor); err != nil {
		fail(err)
	} else {
		cfg.Processor = p
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ValidateName checks a pipe name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return pipeerr.Configuration("name", name, "empty")
	case len(name) > MaxNameLength:
		return pipeerr.Configuration("name", name, "longer than 64 characters")
	case strings.ContainsFunc(name, unicode.IsSpace):
		return pipeerr.Configuration("name", name, "contains whitespace")
	}
	return nil
}

func (v *Validator) connectorPlugin(attrs map[string]string) (Plugin, error) {
	id, ok := attrs[KeyConnector]
	if !ok || strings.TrimSpace(id) == "" {
		return Plugin{}, pipeerr.Configuration(KeyConnector, id, "a connector identifier is required")
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if !v.connectors.Has(id) {
		return Plugin{}, pipeerr.Configuration(KeyConnector, id, "unknown connector")
	}
	return Plugin{ID: id, Attributes: pluginAttrs(attrs, KeyConnector)}, nil
}

func (v *Validator) processorPlugin(attrs map[string]string) (Plugin, error) {
	id := DoNothingProcessor
	if raw, ok := attrs[KeyProcessor]; ok && strings.TrimSpace(raw) != "" {
		id = strings.ToLower(strings.TrimSpace(raw))
	}
	if !v.processors.Has(id) {
		return Plugin{}, pipeerr.Configuration(KeyProcessor, id, "unknown processor")
	}
	if id == CELFilterProcessor {
		expr, ok := attrs[KeyProcessorFilter]
		if !ok || strings.TrimSpace(expr) == "" {
			return Plugin{}, pipeerr.Configuration(KeyProcessorFilter, expr, "required by "+CELFilterProcessor)
		}
		if _, err := cel.NewFilter(expr); err != nil {
			return Plugin{}, pipeerr.Configuration(KeyProcessorFilter, expr, err.Error())
		}
	}
	return Plugin{ID: id, Attributes: pluginAttrs(attrs, KeyProcessor)}, nil
}

func pluginAttrs(attrs map[string]string, idKey string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if k != idKey {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseFlag(attrs map[string]string, key string) (bool, error) {
	raw, ok := attrs[key]
	if !ok {
		return true, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return true, pipeerr.Configuration(key, raw, "expected true or false")
}

func bound(attrs map[string]string, key string) timerange.Bound {
	raw, ok := attrs[key]
	if !ok {
		return timerange.Unset
	}
	return timerange.At(raw)
}

// relabel reports a nested configuration error under the attribute key.
func relabel(err error, field string) error {
	var ce *pipeerr.ConfigurationError
	if errors.As(err, &ce) {
		return pipeerr.Configuration(field, ce.Value, ce.Reason)
	}
	return pipeerr.Configuration(field, "", err.Error())
}
