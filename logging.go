package meetspot

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// eventLogger keeps call sites in the `event, key, value, ...` form.
type eventLogger struct {
	zl zerolog.Logger
}

func newEventLogger(zl zerolog.Logger) eventLogger {
	return eventLogger{zl: zl}
}

func (l eventLogger) info(event string, kv ...any) {
	l.write(l.zl.Info(), event, kv...)
}

func (l eventLogger) warn(event string, kv ...any) {
	l.write(l.zl.Warn(), event, kv...)
}

func (l eventLogger) error(event string, kv ...any) {
	l.write(l.zl.Error(), event, kv...)
}

func (l eventLogger) debug(event string, kv ...any) {
	l.write(l.zl.Debug(), event, kv...)
}

func (l eventLogger) write(e *zerolog.Event, event string, kv ...any) {
	if e == nil {
		return
	}

	fields := make([]any, 0, len(kv)+1)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		fields = append(fields, key, kv[i+1])
	}
	if len(kv)%2 == 1 {
		fields = append(fields, "extra", kv[len(kv)-1])
	}

	e.Fields(fields).Str("event", event).Send()
}

// NewLogger builds the zerolog logger described by the log config.
func NewLogger(cfg Log, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), err
		}
		level = parsed
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
