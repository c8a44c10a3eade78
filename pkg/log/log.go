package log

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

// Logger is the logging interface consumed by the protocol configs. A nil
// Logger disables logging.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	debugColor = color.New(color.FgCyan)
	infoColor  = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
)

// StdoutLogger writes colored, timestamped lines to stdout.
type StdoutLogger struct {
	level Level
}

func NewStdoutLogger(level Level) *StdoutLogger {
	return &StdoutLogger{
		level: level,
	}
}

func (l *StdoutLogger) log(level Level, tag string, c *color.Color, msg string) {
	if level < l.level {
		return
	}
	fmt.Fprintf(os.Stdout, "%s %s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"),
		c.Sprintf("[%s]", tag),
		msg)
}

func (l *StdoutLogger) Debug(msg string) {
	l.log(LevelDebug, "DEBUG", debugColor, msg)
}

func (l *StdoutLogger) Info(msg string) {
	l.log(LevelInfo, "INFO", infoColor, msg)
}

func (l *StdoutLogger) Warn(msg string) {
	l.log(LevelWarn, "WARN", warnColor, msg)
}

func (l *StdoutLogger) Error(msg string) {
	l.log(LevelError, "ERROR", errorColor, msg)
}
