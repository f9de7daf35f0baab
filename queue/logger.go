package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

// watermillLogger bridges watermill's LoggerAdapter onto the service logger.
type watermillLogger struct {
	logger types.Logger
	fields watermill.LogFields
}

func newWatermillLogger(logger types.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(l.zapFields(fields), zap.Error(err))...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, l.zapFields(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.zapFields(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.zapFields(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger, fields: l.fields.Add(fields)}
}

func (l *watermillLogger) zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(l.fields)+len(fields))
	for key, value := range l.fields {
		out = append(out, zap.Any(key, value))
	}
	for key, value := range fields {
		out = append(out, zap.Any(key, value))
	}
	return out
}
