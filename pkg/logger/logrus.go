package logger

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
)

// LogrusLogger emits structured JSON lines, the chain is carried as fields
type LogrusLogger struct {
	entry *logrus.Entry
}

var _ Logger = (*LogrusLogger)(nil)

// NewLogrusLogger creates a JSON logger writing to w
func NewLogrusLogger(w io.Writer, level Level, service string) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(toLogrusLevel(level))
	return &LogrusLogger{entry: l.WithField("service", service)}
}

// Notice has no logrus equivalent and maps to warn
func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case NoticeLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *LogrusLogger) withChain(chainID int) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields{
		"chain_id": chainID,
		"chain":    chains.GetChainName(amount.ChainID(chainID)),
	})
}

func (l *LogrusLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) InfoWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Infof(format, args...)
}

func (l *LogrusLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusLogger) ErrorWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Errorf(format, args...)
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) DebugWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Debugf(format, args...)
}

func (l *LogrusLogger) Notice(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *LogrusLogger) NoticeWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Warnf(format, args...)
}
