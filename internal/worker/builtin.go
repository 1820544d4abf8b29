package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Func is one entry of a FuncTable.
type Func func(ctx context.Context, args []any) (any, error)

// FuncTable is an instrumentation that dispatches on Callable.Target.
type FuncTable map[string]Func

func (t FuncTable) Invoke(ctx context.Context, call Call) (any, error) {
	fn, ok := t[call.Callable.Target]
	if !ok {
		return nil, &Failure{Type: "NoSuchMethod", Message: fmt.Sprintf("no callable %q", call.Callable.Target)}
	}
	return fn(ctx, call.Args)
}

// Factory returns a factory that installs t regardless of options.
func (t FuncTable) Factory() Factory {
	return func(map[string]string, Paths) (Instrumentation, error) {
		return t, nil
	}
}

// Builtins is the function table behind the "builtin" instrumentation.
var Builtins = FuncTable{
	"math.Add": func(_ context.Context, args []any) (any, error) {
		a, b, err := twoInts(args)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	},
	"math.Div": func(_ context.Context, args []any) (any, error) {
		a, b, err := twoInts(args)
		if err != nil {
			return nil, err
		}
		// Division by zero panics, like any other user-code fault
		return a / b, nil
	},
	"strings.ToUpper": func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, arity(1, len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, &Failure{Type: "ArgumentError", Message: fmt.Sprintf("want string, got %T", args[0])}
		}
		return strings.ToUpper(s), nil
	},
	"os.Getpid": func(context.Context, []any) (any, error) {
		return os.Getpid(), nil
	},
	"os.Getenv": func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, arity(1, len(args))
		}
		return os.Getenv(fmt.Sprint(args[0])), nil
	},
	"os.Exit": func(_ context.Context, args []any) (any, error) {
		code := 1
		if len(args) == 1 {
			if n, ok := toInt64(args[0]); ok {
				code = int(n)
			}
		}
		os.Exit(code)
		return nil, nil
	},
	"time.Sleep": func(ctx context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, arity(1, len(args))
		}
		ms, ok := toInt64(args[0])
		if !ok {
			return nil, &Failure{Type: "ArgumentError", Message: fmt.Sprintf("want milliseconds, got %T", args[0])}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	},
}

func twoInts(args []any) (int64, int64, error) {
	if len(args) != 2 {
		return 0, 0, arity(2, len(args))
	}
	a, ok1 := toInt64(args[0])
	b, ok2 := toInt64(args[1])
	if !ok1 || !ok2 {
		return 0, 0, &Failure{Type: "ArgumentError", Message: fmt.Sprintf("want integers, got %T and %T", args[0], args[1])}
	}
	return a, b, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func arity(want, got int) error {
	return &Failure{Type: "ArgumentError", Message: fmt.Sprintf("want %d arguments, got %d", want, got)}
}
