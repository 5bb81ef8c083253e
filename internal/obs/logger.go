package obs

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity levels for security events recorded by the access guard.
const (
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

type Logger struct {
	l *logrus.Logger
}

func NewLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	return &Logger{l: l}
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.l.WithFields(logrus.Fields(fields)).Info()
}

func (lg *Logger) Warn(fields map[string]interface{}) {
	lg.l.WithFields(logrus.Fields(fields)).Warn()
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.l.WithFields(logrus.Fields(fields)).Error()
}

// Security records a forensic audit event. CRITICAL events log at error
// level, everything else at warn, so they survive level-based filtering.
func (lg *Logger) Security(severity string, fields map[string]interface{}) {
	fields["security_event"] = true
	fields["severity"] = severity
	e := lg.l.WithFields(logrus.Fields(fields))
	if severity == SeverityCritical {
		e.Error()
		return
	}
	e.Warn()
}
