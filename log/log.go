package log

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the minimum level that will be emitted.
type Level int32

const (
	LevelSilent Level = iota - 1
	LevelError
	LevelWarn
	LevelInfo
	LevelTrace
	LevelDebug
)

var (
	CurLevel  atomic.Int32
	errFile   *os.File
	errLogger *log.Logger
	errMu     sync.Mutex
	origErr   = os.Stderr
)

func init() {
	CurLevel.Store(int32(LevelInfo))
}

// multi is a fan-out writer (stderr + optional syslog + websocket hub).
type multi struct {
	mu sync.Mutex
	ws []io.Writer
}

func (m *multi) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.ws {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

var (
	mu         sync.Mutex
	base       = &multi{ws: []io.Writer{os.Stderr}}
	buf        *bufio.Writer
	logger     *log.Logger
	flushTimer *time.Ticker
	insta      = true
)

// Init sets the base writer, level, and instaflush behavior.
func Init(w io.Writer, level Level, instaflush bool) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	base.ws = []io.Writer{w}
	insta = instaflush
	CurLevel.Store(int32(level))
	rebuildLocked()
}

// AttachSink adds an extra writer to the fan-out.
func AttachSink(w io.Writer) {
	if w == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	base.ws = append(base.ws, w)
	rebuildLocked()
}

// EnableSyslog connects to the local syslog and attaches it as a sink.
func EnableSyslog(tag string) error {
	sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	AttachSink(sw)
	return nil
}

// OrigStderr is the process stderr captured before any redirection.
func OrigStderr() io.Writer { return origErr }

func SetLevel(l Level) { CurLevel.Store(int32(l)) }

func GetLevel() Level { return Level(CurLevel.Load()) }

// ParseLevel maps a --verbose value onto a Level. Unknown names map to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "silent":
		return LevelSilent
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelSilent:
		return "silent"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// SetInstaflush toggles line buffering. Switching to instaflush flushes any
// pending buffered data immediately.
func SetInstaflush(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if insta == v {
		return
	}
	insta = v
	if buf != nil && v {
		_ = buf.Flush()
	}
	rebuildLocked()
}

// Flush forces a flush when buffering is enabled.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if buf != nil {
		_ = buf.Flush()
	}
}

// InitErrorFile mirrors every Errorf line into path.
func InitErrorFile(path string) error {
	if path == "" {
		return nil
	}
	errMu.Lock()
	defer errMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile = f
	errLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return nil
}

func CloseErrorFile() {
	errMu.Lock()
	defer errMu.Unlock()
	if errFile != nil {
		_ = errFile.Sync()
		_ = errFile.Close()
		errFile = nil
		errLogger = nil
	}
}

// ---- printing ------------------------------------------------------------

// Errorf logs at error level and returns the formatted message as an error,
// so call sites can log and return in one step. %w verbs are preserved.
func Errorf(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	if GetLevel() >= LevelError {
		out("[ERROR] %s", err.Error())
	}

	errMu.Lock()
	if errLogger != nil {
		errLogger.Println("[ERROR] " + err.Error())
		_ = errFile.Sync()
	}
	errMu.Unlock()

	return err
}

func Warnf(format string, a ...any) {
	if GetLevel() >= LevelWarn {
		out("[WARN] "+format, a...)
	}
}

func Infof(format string, a ...any) {
	if GetLevel() >= LevelInfo {
		out("[INFO] "+format, a...)
	}
}

func Tracef(format string, a ...any) {
	if GetLevel() >= LevelTrace {
		out("[TRACE] "+format, a...)
	}
}

func Debugf(format string, a ...any) {
	if GetLevel() >= LevelDebug {
		out("[DEBUG] "+format, a...)
	}
}

func out(format string, a ...any) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		rebuildLocked()
	}
	logger.Printf(format, a...)
}

// ---- internals -----------------------------------------------------------

func rebuildLocked() {
	var w io.Writer = base
	if insta {
		if buf != nil {
			_ = buf.Flush()
		}
		buf = nil
		logger = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
		stopFlusherLocked()
		return
	}

	// buffered mode
	buf = bufio.NewWriterSize(w, 16*1024)
	logger = log.New(buf, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	startFlusherLocked()
}

func startFlusherLocked() {
	stopFlusherLocked()
	flushTimer = time.NewTicker(2 * time.Second)
	go func(t *time.Ticker) {
		for range t.C {
			mu.Lock()
			if buf != nil {
				_ = buf.Flush()
			}
			mu.Unlock()
		}
	}(flushTimer)
}

func stopFlusherLocked() {
	if flushTimer != nil {
		flushTimer.Stop()
		flushTimer = nil
	}
}
