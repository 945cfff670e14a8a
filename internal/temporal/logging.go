package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalAdapter routes SDK, workflow and activity logs through zerolog.
type TemporalAdapter struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*TemporalAdapter)(nil)
	_ log.WithLogger = (*TemporalAdapter)(nil)
)

func NewTemporalAdapter(logger zerolog.Logger) *TemporalAdapter {
	return &TemporalAdapter{
		logger: logger.With().Str("component", "temporal-sdk").Logger(),
	}
}

func withKeyvals[T interface {
	Err(error) T
	AnErr(string, error) T
	Interface(string, interface{}) T
}](target T, keyvals []interface{}) T {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		switch v := keyvals[i+1].(type) {
		case error:
			if key == "error" || key == "Error" {
				target = target.Err(v)
			} else {
				target = target.AnErr(key, v)
			}
		default:
			target = target.Interface(key, v)
		}
	}
	return target
}

func (a *TemporalAdapter) Debug(msg string, keyvals ...interface{}) {
	withKeyvals(a.logger.Debug(), keyvals).Msg(msg)
}

func (a *TemporalAdapter) Info(msg string, keyvals ...interface{}) {
	withKeyvals(a.logger.Info(), keyvals).Msg(msg)
}

func (a *TemporalAdapter) Warn(msg string, keyvals ...interface{}) {
	withKeyvals(a.logger.Warn(), keyvals).Msg(msg)
}

func (a *TemporalAdapter) Error(msg string, keyvals ...interface{}) {
	withKeyvals(a.logger.Error(), keyvals).Msg(msg)
}

// With returns a logger that adds keyvals to every entry.
func (a *TemporalAdapter) With(keyvals ...interface{}) log.Logger {
	return &TemporalAdapter{logger: withKeyvals(a.logger.With(), keyvals).Logger()}
}
