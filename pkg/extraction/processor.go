package extraction

import (
	"fmt"

	"github.com/unijord/pipecdc/pkg/cel"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

type passThrough struct{}

func (passThrough) Process(CapturedEvent) (bool, error) { return true, nil }

// PassThrough forwards every event.
var PassThrough Processor = passThrough{}

type celProcessor struct {
	filter *cel.Filter
}

func (p *celProcessor) Process(ev CapturedEvent) (bool, error) {
	return p.filter.Keep(cel.Event{Path: ev.Path, Timestamp: ev.Timestamp, Value: ev.Value})
}

// NewProcessor builds the processor named by spec.
func NewProcessor(spec pipeconfig.Plugin) (Processor, error) {
	switch spec.ID {
	case "", pipeconfig.DoNothingProcessor:
		return PassThrough, nil
	case pipeconfig.CELFilterProcessor:
		f, err := cel.NewFilter(spec.Attr(pipeconfig.KeyProcessorFilter))
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", spec.ID, err)
		}
		return &celProcessor{filter: f}, nil
	}
	return nil, fmt.Errorf("unknown processor %q", spec.ID)
}
