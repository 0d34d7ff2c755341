// Package ttlog provides the leveled stderr logging used throughout this
// module, matching the teacher's "[INFO]\t..."-tagged log.Printf idiom
// but with the tag colorized when stderr is a terminal.
package ttlog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

// Level is a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Fail
	Error
)

var tags = map[Level]string{
	Debug: "[DEBUG]",
	Info:  "[INFO]",
	Fail:  "[FAIL]",
	Error: "[ERROR]",
}

var colors = map[Level]string{
	Debug: "[dim]",
	Info:  "[cyan]",
	Fail:  "[yellow]",
	Error: "[red]",
}

// Logger wraps the standard library logger with level tags.
type Logger struct {
	std      *log.Logger
	colorize bool
}

// New returns a Logger writing to w, colorizing tags only when w is a
// terminal (so piping/redirecting output never embeds escape codes).
func New(w io.Writer) *Logger {
	colorize := false
	if f, ok := w.(*os.File); ok {
		colorize = term.IsTerminal(int(f.Fd()))
	}
	return &Logger{std: log.New(w, "", log.LstdFlags), colorize: colorize}
}

// Default is the package-level logger writing to stderr, used by code
// that doesn't carry its own Logger.
var Default = New(os.Stderr)

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	tag := tags[level]
	if l.colorize {
		tag = colorstring.Color(colors[level] + tag + "[reset]")
	}
	l.std.Printf("%s %s", tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(Info, format, args...) }
func (l *Logger) Failf(format string, args ...interface{})  { l.logf(Fail, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(Error, format, args...) }

func Debugf(format string, args ...interface{}) { Default.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Default.Infof(format, args...) }
func Failf(format string, args ...interface{})  { Default.Failf(format, args...) }
func Errorf(format string, args ...interface{}) { Default.Errorf(format, args...) }
