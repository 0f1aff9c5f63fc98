// Package ext provides CEL function extensions for processor expressions.
//
// # Series Functions (SeriesFuncs)
//
//   - segment(path, i) -> string: unquoted i-th segment of a series path
//   - segmentCount(path) -> int: number of segments
//   - regexMatch(string, pattern) -> bool
//   - hourOf(int) -> int: UTC hour of an epoch millisecond timestamp
//   - bucket(string, n) -> int: stable xxhash bucket in [0, n)
package ext

import (
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/unijord/pipecdc/pkg/pathpattern"
)

// SeriesFuncs returns CEL environment options for series path functions.
func SeriesFuncs() cel.EnvOption {
	return cel.Lib(&seriesLib{})
}

type seriesLib struct{}

func (l *seriesLib) LibraryName() string {
	return "pipecdc.series"
}

func (l *seriesLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("segment",
			cel.Overload("segment_string_int",
				[]*cel.Type{cel.StringType, cel.IntType},
				cel.StringType,
				cel.BinaryBinding(func(p, i ref.Val) ref.Val {
					path, err := pathpattern.ParsePath(string(p.(types.String)))
					if err != nil {
						return types.NewErr("segment: %s", err)
					}
					idx := int(i.(types.Int))
					if idx < 0 || idx >= path.Len() {
						return types.NewErr("segment: index %d out of range [0, %d)", idx, path.Len())
					}
					return types.String(path.Segment(idx))
				}),
			),
		),
		cel.Function("segmentCount",
			cel.Overload("segmentCount_string",
				[]*cel.Type{cel.StringType},
				cel.IntType,
				cel.UnaryBinding(func(p ref.Val) ref.Val {
					path, err := pathpattern.ParsePath(string(p.(types.String)))
					if err != nil {
						return types.NewErr("segmentCount: %s", err)
					}
					return types.Int(path.Len())
				}),
			),
		),
		cel.Function("regexMatch",
			cel.Overload("regexMatch_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(s, pattern ref.Val) ref.Val {
					re, err := regexp.Compile(string(pattern.(types.String)))
					if err != nil {
						return types.NewErr("regexMatch: invalid pattern: %s", err)
					}
					return types.Bool(re.MatchString(string(s.(types.String))))
				}),
			),
		),
		cel.Function("hourOf",
			cel.Overload("hourOf_int",
				[]*cel.Type{cel.IntType},
				cel.IntType,
				cel.UnaryBinding(func(ms ref.Val) ref.Val {
					t := time.UnixMilli(int64(ms.(types.Int))).UTC()
					return types.Int(t.Hour())
				}),
			),
		),
		cel.Function("bucket",
			cel.Overload("bucket_string_int",
				[]*cel.Type{cel.StringType, cel.IntType},
				cel.IntType,
				cel.BinaryBinding(func(s, n ref.Val) ref.Val {
					buckets := int64(n.(types.Int))
					if buckets <= 0 {
						return types.NewErr("bucket: n must be positive")
					}
					sum := xxhash.Sum64String(string(s.(types.String)))
					return types.Int(sum % uint64(buckets))
				}),
			),
		),
	}
}

func (l *seriesLib) ProgramOptions() []cel.ProgramOption {
	return nil
}
