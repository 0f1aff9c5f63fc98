package pipeconfig

import "strings"

// Extractor attribute keys.
const (
	KeyPattern         = "extractor.pattern"
	KeyHistoryEnable   = "extractor.history.enable"
	KeyHistoryStart    = "extractor.history.start-time"
	KeyHistoryEnd      = "extractor.history.end-time"
	KeyRealtimeEnable  = "extractor.realtime.enable"
	KeyProcessor       = "processor"
	KeyProcessorFilter = "processor.filter"
	KeyConnector       = "connector"
)

const (
	extractorPrefix = "extractor."
	sourcePrefix    = "source."
	connectorPrefix = "connector."
	sinkKey         = "sink"
	sinkPrefix      = "sink."
)

// Built-in plugin identifiers.
const (
	DoNothingProcessor = "do-nothing-processor"
	CELFilterProcessor = "cel-filter-processor"
	DoNothingConnector = "do-nothing-connector"
	LogConnector       = "log-connector"
)

// MaxNameLength bounds pipe names.
const MaxNameLength = 64

// RawAttributes is the untyped attribute set of a create request.
type RawAttributes struct {
	Extractor map[string]string `json:"extractor,omitempty"`
	Processor map[string]string `json:"processor,omitempty"`
	Connector map[string]string `json:"connector,omitempty"`
}

// normalize rewrites alias spellings to canonical keys. A key given under
// both spellings with different values is reported in conflicts.
func normalize(in map[string]string, rewrite func(string) string) (out map[string]string, conflicts []string) {
	out = make(map[string]string, len(in))
	seen := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		canonical := rewrite(key)
		if prev, ok := out[canonical]; ok && prev != v {
			conflicts = append(conflicts, seen[canonical]+" / "+key)
			continue
		}
		out[canonical] = v
		seen[canonical] = key
	}
	return out, conflicts
}

func extractorKey(k string) string {
	if rest, ok := strings.CutPrefix(k, sourcePrefix); ok {
		return extractorPrefix + rest
	}
	return k
}

func connectorKey(k string) string {
	if k == sinkKey {
		return KeyConnector
	}
	if rest, ok := strings.CutPrefix(k, sinkPrefix); ok {
		return connectorPrefix + rest
	}
	return k
}

func processorKey(k string) string { return k }
