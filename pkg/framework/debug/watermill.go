package debug

import (
	"github.com/ThreeDotsLabs/watermill"
)

// watermillLogger lets watermill components log through a Logger.
type watermillLogger struct {
	logger *Logger
	fields watermill.LogFields
}

// Watermill returns a watermill.LoggerAdapter that writes to l.
func (l *Logger) Watermill() watermill.LoggerAdapter {
	return &watermillLogger{logger: l}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	f := w.fields.Add(fields)
	if err != nil {
		f = f.Add(watermill.LogFields{"err": err})
	}
	w.logger.log(2, LogLevelError, msg, f)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.log(2, LogLevelInfo, msg, w.fields.Add(fields))
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.log(2, LogLevelDebug, msg, w.fields.Add(fields))
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.log(2, LogLevelTrace, msg, w.fields.Add(fields))
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.logger, fields: w.fields.Add(fields)}
}
