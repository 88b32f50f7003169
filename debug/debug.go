// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Cold-path diagnostics for the receiver pipeline
//
// Purpose:
//   - Logs setup, shutdown and error events through tdaq message streams.
//   - Hands out one named stream per stage instance ("listener-0", …).
//
// Notes:
//   - The process-wide level is set once at start-up by SetLevel.
//   - Streams are cached; asking twice for a name returns the same stream.
//
// ⚠️ Never invoke in per-packet loops; per-frame errors or rarer only.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"
)

var (
	mu      sync.Mutex
	level   = log.LvlInfo
	out     io.Writer = os.Stderr
	streams           = map[string]log.MsgStream{}
	root              = log.NewMsgStream("receiver", log.LvlInfo, os.Stderr)
)

// SetLevel switches the verbosity of every stream created afterwards and
// drops cached streams so they are rebuilt at the new level.
// Accepted names: debug, info, warn, error (case-insensitive); unknown → info.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLevel(name)
	streams = map[string]log.MsgStream{}
	root = log.NewMsgStream("receiver", level, out)
}

// SetOutput redirects every stream created afterwards.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	streams = map[string]log.MsgStream{}
	root = log.NewMsgStream("receiver", level, out)
}

// ParseLevel maps a level name to a tdaq verbosity level.
func ParseLevel(name string) log.Level {
	switch strings.ToLower(name) {
	case "debug", "dbg":
		return log.LvlDebug
	case "warn", "warning":
		return log.LvlWarning
	case "error", "err":
		return log.LvlError
	default:
		return log.LvlInfo
	}
}

// Stream returns the named message stream, creating it on first use.
func Stream(name string) log.MsgStream {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := streams[name]; ok {
		return s
	}
	s := log.NewMsgStream(name, level, out)
	streams[name] = s
	return s
}

// DropError logs an error with a prefix tag.
// If err is nil only the prefix is printed (used as a cheap trace tag).
func DropError(prefix string, err error) {
	mu.Lock()
	s := root
	mu.Unlock()
	if err != nil {
		s.Errorf("%s: %v", prefix, err)
	} else {
		s.Warnf("%s", prefix)
	}
}

// DropMessage logs an informational message with a prefix tag.
// Used for connection state changes, acquisition start/stop and summaries.
func DropMessage(prefix, message string) {
	mu.Lock()
	s := root
	mu.Unlock()
	s.Infof("%s: %s", prefix, message)
}
