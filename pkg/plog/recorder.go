package plog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Line is one message captured by a Recorder.
type Line struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// String renders the line the way notifications display it.
func (l Line) String() string {
	return fmt.Sprintf("[%s][%s] %s", l.Time.Format("2006/01/02 15:04:05"), strings.ToLower(levelName(l.Level)), l.Message)
}

// Recorder forwards messages to the global logger and keeps a copy of the
// lines a job run reports to its notifiers. Warnings and errors are always
// kept; info lines are kept as well, so a notification carries the whole run.
// Debug and Notice lines are forwarded only.
type Recorder struct {
	args []any

	mu     sync.Mutex
	lines  []Line
	warned bool
	now    func() time.Time
}

// NewRecorder creates a Recorder that appends args to every forwarded message.
func NewRecorder(args ...any) *Recorder {
	return &Recorder{args: args, now: time.Now}
}

func (r *Recorder) with(args []any) []any {
	if len(r.args) == 0 {
		return args
	}
	out := make([]any, 0, len(args)+len(r.args))
	out = append(out, r.args...)
	return append(out, args...)
}

func (r *Recorder) record(lvl slog.Level, msg string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lvl >= LevelWarn {
		r.warned = true
	}
	r.lines = append(r.lines, Line{Time: r.now(), Level: lvl, Message: formatMessage(msg, args)})
}

// Debug forwards a debug message without recording it.
func (r *Recorder) Debug(msg string, args ...any) { Debug(msg, r.with(args)...) }

// Notice forwards a notice message without recording it.
func (r *Recorder) Notice(msg string, args ...any) { Notice(msg, r.with(args)...) }

// Info forwards and records an informational message.
func (r *Recorder) Info(msg string, args ...any) {
	Info(msg, r.with(args)...)
	r.record(LevelInfo, msg, args)
}

// Warn forwards and records a warning and marks the run as warned.
func (r *Recorder) Warn(msg string, args ...any) {
	Warn(msg, r.with(args)...)
	r.record(LevelWarn, msg, args)
}

// Error forwards and records an error.
func (r *Recorder) Error(msg string, args ...any) {
	Error(msg, r.with(args)...)
	r.record(LevelError, msg, args)
}

// Warned reports whether a warning or error was recorded.
func (r *Recorder) Warned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warned
}

// Lines returns the recorded lines in order.
func (r *Recorder) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Strings returns the recorded lines rendered for display.
func (r *Recorder) Strings() []string {
	lines := r.Lines()
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.String()
	}
	return out
}

func levelName(l slog.Level) string {
	if l == LevelNotice {
		return "NOTICE"
	}
	return l.String()
}

// formatMessage renders key/value pairs in logfmt style after the message.
func formatMessage(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		b.WriteByte(' ')
		if i+1 >= len(args) {
			fmt.Fprintf(&b, "!BADKEY=%v", args[i])
			break
		}
		val := fmt.Sprint(args[i+1])
		if strings.ContainsAny(val, " \t\"=") {
			val = fmt.Sprintf("%q", val)
		}
		fmt.Fprintf(&b, "%v=%s", args[i], val)
	}
	return b.String()
}

// Logger is the logging surface shared by the global logger and a Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Notice(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type globalLogger struct{}

func (globalLogger) Debug(msg string, args ...any)  { Debug(msg, args...) }
func (globalLogger) Notice(msg string, args ...any) { Notice(msg, args...) }
func (globalLogger) Info(msg string, args ...any)   { Info(msg, args...) }
func (globalLogger) Warn(msg string, args ...any)   { Warn(msg, args...) }
func (globalLogger) Error(msg string, args ...any)  { Error(msg, args...) }

// Global returns a Logger writing to the package-level logger.
func Global() Logger { return globalLogger{} }

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l Logger) Logger {
	if l == nil {
		return Global()
	}
	return l
}

var _ Logger = (*Recorder)(nil)
var _ Logger = globalLogger{}
