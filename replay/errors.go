package replay

import (
	"errors"
	"strings"
	"sync"

	"github.com/daniellavrushin/pktreplay/source"
)

var (
	ErrConfig          = errors.New("invalid configuration")
	ErrSource          = source.ErrSource
	ErrSync            = errors.New("routing cache out of sync with packet sources")
	ErrState           = errors.New("invalid state transition")
	ErrTooManyFailures = errors.New("too many send failures")
)

// maxMessageLen bounds the stored error and warning strings.
const maxMessageLen = 1024

// messages keeps the most recent error and warning text.
type messages struct {
	mu   sync.Mutex
	err  string
	warn string
}

func (m *messages) setErr(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.err = bounded(err.Error())
	m.mu.Unlock()
}

func (m *messages) setWarn(s string) {
	m.mu.Lock()
	m.warn = bounded(s)
	m.mu.Unlock()
}

func (m *messages) get() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err, m.warn
}

func bounded(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxMessageLen], "")
}
