package logging

import "github.com/rs/zerolog"

// DispatcherLogger adapts zerolog.Logger to the dispatcher.Logger interface.
// Every entry carries component=dispatcher.
type DispatcherLogger struct {
	logger zerolog.Logger
}

// NewDispatcherLogger wraps logger.
func NewDispatcherLogger(logger zerolog.Logger) *DispatcherLogger {
	return &DispatcherLogger{logger: logger.With().Str("component", "dispatcher").Logger()}
}

func (l *DispatcherLogger) Debug(msg string, keysAndValues ...any) {
	write(l.logger.Debug(), msg, keysAndValues)
}

func (l *DispatcherLogger) Info(msg string, keysAndValues ...any) {
	write(l.logger.Info(), msg, keysAndValues)
}

func (l *DispatcherLogger) Error(msg string, keysAndValues ...any) {
	write(l.logger.Error(), msg, keysAndValues)
}

// write is a no-op for a nil event, which zerolog returns for filtered levels.
func write(e *zerolog.Event, msg string, keysAndValues []any) {
	if e == nil {
		return
	}
	e.Fields(pairs(keysAndValues)).Msg(msg)
}

// pairs keeps key-value pairs with string keys and drops a dangling key.
func pairs(keysAndValues []any) []any {
	out := make([]any, 0, len(keysAndValues)&^1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if _, ok := keysAndValues[i].(string); ok {
			out = append(out, keysAndValues[i], keysAndValues[i+1])
		}
	}
	return out
}
