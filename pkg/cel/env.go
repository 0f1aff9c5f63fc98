// Package cel compiles and evaluates processor filter expressions over
// captured events.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/unijord/pipecdc/pkg/cel/ext"
)

// Variables bound for every captured event.
const (
	VarPath        = "path"
	VarDevice      = "device"
	VarMeasurement = "measurement"
	VarTimestamp   = "timestamp"
	VarValue       = "value"
)

// eventEnv declares the series path, its device and measurement, the epoch
// millisecond timestamp and the raw value, plus the series library.
func eventEnv(extra ...cel.EnvOption) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable(VarPath, cel.StringType),
		cel.Variable(VarDevice, cel.StringType),
		cel.Variable(VarMeasurement, cel.StringType),
		cel.Variable(VarTimestamp, cel.IntType),
		cel.Variable(VarValue, cel.DynType),
		ext.SeriesFuncs(),
	}
	return cel.NewEnv(append(opts, extra...)...)
}

// Program is a checked predicate. It is safe for concurrent use.
type Program struct {
	source  string
	program cel.Program
}

func (p *Program) Source() string { return p.source }

// Compile type-checks expr against the event variables. The expression must
// yield a bool.
func Compile(expr string, extra ...cel.EnvOption) (*Program, error) {
	env, err := eventEnv(extra...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter must yield bool, got %s", out)
	}
	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &Program{source: expr, program: prg}, nil
}
