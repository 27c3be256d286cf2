package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level, defaulting to INFO
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level    Level
	mu       sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

// New creates a logger for one component writing to stderr.
func New(component, level string) *Logger {
	return NewWithWriter(component, level, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(component, level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lshortfile | log.Lmicroseconds

	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}

	return &Logger{
		level:    ParseLevel(level),
		debugLog: log.New(w, "[DEBUG] "+prefix, flags),
		infoLog:  log.New(w, "[INFO] "+prefix, flags),
		warnLog:  log.New(w, "[WARN] "+prefix, flags),
		errorLog: log.New(w, "[ERROR] "+prefix, flags),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter("", "ERROR", io.Discard)
}

func (l *Logger) output(lg *log.Logger, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// depth 3: output -> Info -> caller
	lg.Output(3, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.output(l.debugLog, format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.output(l.infoLog, format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.output(l.warnLog, format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.output(l.errorLog, format, args...)
	}
}

// Writer exposes the error stream, e.g. for libraries that want an io.Writer.
func (l *Logger) Writer() io.Writer {
	return l.errorLog.Writer()
}

// WithContext renders ctx as sorted key=value pairs.
func (l *Logger) WithContext(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}
