package cel

import (
	"fmt"

	"github.com/unijord/pipecdc/pkg/pathpattern"
)

// Filter is a compiled predicate over events.
type Filter struct {
	prog        *Program
	activations *activationPool
}

// NewFilter compiles expr.
func NewFilter(expr string) (*Filter, error) {
	prog, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog, activations: newActivationPool()}, nil
}

func (f *Filter) Source() string { return f.prog.Source() }

// Keep reports whether ev passes the predicate. Device and measurement are
// derived from the path when left empty.
func (f *Filter) Keep(ev Event) (bool, error) {
	if ev.Device == "" && ev.Measurement == "" {
		if p, err := pathpattern.ParsePath(ev.Path); err == nil && p.Len() > 1 {
			ev.Device, ev.Measurement = p.Parent().String(), p.Last()
		}
	}

	act := f.activations.get(ev)
	defer f.activations.put(act)

	out, _, err := f.prog.program.Eval(act)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", f.prog.source, err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: expected bool, got %T", f.prog.source, out.Value())
	}
	return keep, nil
}
