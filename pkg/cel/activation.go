package cel

import (
	"sync"

	"github.com/google/cel-go/interpreter"
)

// Event is the input of a filter evaluation.
type Event struct {
	Path        string
	Device      string
	Measurement string
	Timestamp   int64
	Value       any
}

// eventActivation resolves the event variables without building a map.
type eventActivation struct {
	ev Event
}

func (a *eventActivation) ResolveName(name string) (any, bool) {
	switch name {
	case VarPath:
		return a.ev.Path, true
	case VarDevice:
		return a.ev.Device, true
	case VarMeasurement:
		return a.ev.Measurement, true
	case VarTimestamp:
		return a.ev.Timestamp, true
	case VarValue:
		return a.ev.Value, true
	}
	return nil, false
}

func (a *eventActivation) Parent() interpreter.Activation { return nil }

var _ interpreter.Activation = (*eventActivation)(nil)

type activationPool struct{ sync.Pool }

func newActivationPool() *activationPool {
	p := &activationPool{}
	p.New = func() any { return &eventActivation{} }
	return p
}

func (p *activationPool) get(ev Event) *eventActivation {
	a := p.Get().(*eventActivation)
	a.ev = ev
	return a
}

func (p *activationPool) put(a *eventActivation) {
	a.ev = Event{}
	p.Put(a)
}
