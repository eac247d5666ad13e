// Package agentlog builds the agent's structured logger: a logr.Logger
// backed by zap, fanned out to a human-readable stderr console and the
// system's authpriv syslog facility.
package agentlog

import (
	"log/syslog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the agent's logger. component is attached as a fixed field
// (e.g. "ssh-agent" or "host-key-publisher") so syslog lines are
// attributable. If syslog is unreachable (non-Linux dev box, sandboxed
// test), the syslog core is silently dropped and stderr logging continues —
// the spec treats the syslog facility as an external collaborator, not a
// load-bearing dependency of the authorization decision itself.
func New(component string) logr.Logger {
	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), zapcore.InfoLevel),
	}

	if w, err := syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_INFO, component); err == nil {
		syslogEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(syslogEncoder, zapcore.AddSync(w), zapcore.InfoLevel))
	}

	zl := zap.New(zapcore.NewTee(cores...))
	return zapr.NewLogger(zl).WithName(component)
}
