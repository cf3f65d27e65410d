// Package log defines the logger every colony component logs through.
package log

import "context"

// Kv is a helper type for structured logging key-value pairs.
type Kv = map[string]any

// Logger is the interface that loggers must implement.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	WithValues(values Kv) Logger
	WithCtxValues(ctx context.Context) Logger
	SetValuesOnCtx(parent context.Context, values Kv) context.Context
}

type contextKey string

const contextLogValuesKey contextKey = "colony-log-values"

// CtxWithValues returns a copy of parent in which the key values passed
// are added to the values already stored on the context.
func CtxWithValues(parent context.Context, kv Kv) context.Context {
	current := ValuesFromCtx(parent)
	merged := make(Kv, len(current)+len(kv))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return context.WithValue(parent, contextLogValuesKey, merged)
}

// ValuesFromCtx gets the log key values stored on a context.
func ValuesFromCtx(ctx context.Context) Kv {
	if ctx == nil {
		return Kv{}
	}
	v, ok := ctx.Value(contextLogValuesKey).(Kv)
	if !ok {
		return Kv{}
	}
	return v
}

// Noop logger doesn't log anything.
const Noop = noop(0)

type noop int

func (n noop) Infof(format string, args ...any)    {}
func (n noop) Warningf(format string, args ...any) {}
func (n noop) Errorf(format string, args ...any)   {}
func (n noop) Debugf(format string, args ...any)   {}
func (n noop) WithValues(Kv) Logger                { return n }
func (n noop) WithCtxValues(context.Context) Logger {
	return n
}
func (n noop) SetValuesOnCtx(parent context.Context, values Kv) context.Context {
	return parent
}
