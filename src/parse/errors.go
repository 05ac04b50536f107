package parse

import (
	"errors"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/watchman"
)

// ToDiagnostic converts an evaluation error into the fatal diagnostic
// reported to the parent, attaching structured exception info where the
// error carries any.
func ToDiagnostic(err error) core.Diagnostic {
	d := core.Diagnostic{
		Message:   err.Error(),
		Level:     core.LevelFatal,
		Source:    "parse",
		Exception: ExceptionInfo(err),
	}
	var werr *watchman.Error
	if errors.As(err, &werr) {
		d.Source = "watchman"
		d.Message = werr.Msg
	}
	return d
}

// ExceptionInfo extracts structured exception information from an error.
func ExceptionInfo(err error) *core.Exception {
	switch err := err.(type) {
	case *starlark.EvalError:
		exc := &core.Exception{
			Type:  "EvalError",
			Value: err.Msg,
		}
		// The starlark call stack is innermost-last; the wire format wants
		// the same order as a printed traceback, so keep it as-is.
		for _, frame := range err.CallStack {
			exc.Traceback = append(exc.Traceback, core.StackFrame{
				Filename:     frame.Pos.Filename(),
				LineNumber:   int(frame.Pos.Line),
				FunctionName: frame.Name,
			})
		}
		return exc
	case syntax.Error:
		return &core.Exception{
			Type:     "SyntaxError",
			Value:    err.Msg,
			Filename: err.Pos.Filename(),
			Lineno:   int(err.Pos.Line),
			Offset:   int(err.Pos.Col),
		}
	case resolve.ErrorList:
		if len(err) == 0 {
			return nil
		}
		return &core.Exception{
			Type:     "ResolveError",
			Value:    err[0].Msg,
			Filename: err[0].Pos.Filename(),
			Lineno:   int(err[0].Pos.Line),
			Offset:   int(err[0].Pos.Col),
		}
	default:
		return &core.Exception{
			Type:  "ParseError",
			Value: err.Error(),
		}
	}
}
