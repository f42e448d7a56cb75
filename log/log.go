// Package log provides a leveled logger in the shape the rest of the server
// expects: a small interface over syslog severities, writing to syslog when
// available and to stdout/stderr otherwise. There is no process-wide mutable
// logger; every component receives its Logger at construction.
package log

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"
	"sync"
)

// Logger is the interface all components log through.
type Logger interface {
	Err(msg string)
	Errf(format string, a ...interface{})
	Warning(msg string)
	Warningf(format string, a ...interface{})
	Info(msg string)
	Infof(format string, a ...interface{})
	Debug(msg string)
	Debugf(format string, a ...interface{})
}

// impl mirrors syslog severity levels: 3 err, 4 warning, 6 info, 7 debug.
type impl struct {
	w writer
}

type writer interface {
	logAtLevel(level int, msg string)
}

// New returns a logger backed by syslog, falling back to stdio if syslog is
// unavailable (containers, tests). Messages at numeric level greater than
// stdoutLevel are suppressed on the stdio path.
func New(tag string, stdoutLevel int) Logger {
	sl, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, tag)
	if err != nil {
		return &impl{&stdioWriter{level: stdoutLevel}}
	}
	return &impl{&syslogWriter{sl: sl, fallback: &stdioWriter{level: stdoutLevel}}}
}

// NewStdout returns a logger writing only to stdout/stderr. Used by CLIs.
func NewStdout(stdoutLevel int) Logger {
	return &impl{&stdioWriter{level: stdoutLevel}}
}

func (l *impl) Err(msg string)                              { l.w.logAtLevel(3, msg) }
func (l *impl) Errf(format string, a ...interface{})        { l.w.logAtLevel(3, fmt.Sprintf(format, a...)) }
func (l *impl) Warning(msg string)                          { l.w.logAtLevel(4, msg) }
func (l *impl) Warningf(format string, a ...interface{})    { l.w.logAtLevel(4, fmt.Sprintf(format, a...)) }
func (l *impl) Info(msg string)                             { l.w.logAtLevel(6, msg) }
func (l *impl) Infof(format string, a ...interface{})       { l.w.logAtLevel(6, fmt.Sprintf(format, a...)) }
func (l *impl) Debug(msg string)                            { l.w.logAtLevel(7, msg) }
func (l *impl) Debugf(format string, a ...interface{})      { l.w.logAtLevel(7, fmt.Sprintf(format, a...)) }

type stdioWriter struct {
	mu    sync.Mutex
	level int
}

var levelName = map[int]string{3: "ERR", 4: "WARNING", 6: "INFO", 7: "DEBUG"}

func (w *stdioWriter) logAtLevel(level int, msg string) {
	if level > w.level {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := os.Stdout
	if level <= 4 {
		out = os.Stderr
	}
	fmt.Fprintf(out, "%s: %s\n", levelName[level], msg)
}

type syslogWriter struct {
	sl       *syslog.Writer
	fallback *stdioWriter
}

func (w *syslogWriter) logAtLevel(level int, msg string) {
	var err error
	switch level {
	case 3:
		err = w.sl.Err(msg)
	case 4:
		err = w.sl.Warning(msg)
	case 6:
		err = w.sl.Info(msg)
	default:
		err = w.sl.Debug(msg)
	}
	if err != nil {
		w.fallback.logAtLevel(level, msg)
	}
}

// Mock is a logger that buffers everything it is given, for tests.
type Mock struct {
	mu    sync.Mutex
	lines []string
}

// NewMock creates a mock logger.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) log(level string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, level+": "+msg)
}

func (m *Mock) Err(msg string)                           { m.log("ERR", msg) }
func (m *Mock) Errf(format string, a ...interface{})     { m.log("ERR", fmt.Sprintf(format, a...)) }
func (m *Mock) Warning(msg string)                       { m.log("WARNING", msg) }
func (m *Mock) Warningf(format string, a ...interface{}) { m.log("WARNING", fmt.Sprintf(format, a...)) }
func (m *Mock) Info(msg string)                          { m.log("INFO", msg) }
func (m *Mock) Infof(format string, a ...interface{})    { m.log("INFO", fmt.Sprintf(format, a...)) }
func (m *Mock) Debug(msg string)                         { m.log("DEBUG", msg) }
func (m *Mock) Debugf(format string, a ...interface{})   { m.log("DEBUG", fmt.Sprintf(format, a...)) }

// GetAll returns a copy of every line logged so far.
func (m *Mock) GetAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.lines...)
}

// GetAllMatching returns logged lines containing the substring.
func (m *Mock) GetAllMatching(substr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, line := range m.lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}
