package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/spibridge"
)

// Logrus wraps a logrus.Logger to implement spibridge.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a spibridge.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) spibridge.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Debug(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Debug(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// argsToFields pairs up slog style key-value args. A non-string key is
// formatted; a trailing key without value is kept under "!BADKEY".
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args); i += 2 {
		if i == len(args)-1 {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
