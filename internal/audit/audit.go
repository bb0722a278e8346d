// Package audit records a durable, append-only trail of admission decisions:
// pairing issuance/redemption, rate-limit rejections, and session lifecycle
// transitions. It never blocks the data plane on disk I/O beyond a single
// buffered append.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/acp-bridge/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	deniedSeen atomic.Int64
)

// Init opens (creating if necessary) <homeDir>/logs/audit.jsonl. Calling Init
// more than once is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the audit file. Safe to call even if Init was
// never called.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the number of ClientRefused-class events recorded
// since startup (pairing rejections, rate-limit rejections, auth failures).
func DeniedCount() int64 {
	return deniedSeen.Load()
}

// Record appends one audit entry. subject and detail are passed through
// shared.Redact before being written, since both commonly carry auth tokens
// or pairing codes in the event context (e.g. "token=..." in detail).
func Record(event, subject, detail string) {
	if isDenialEvent(event) {
		deniedSeen.Add(1)
	}

	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Subject:   subject,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}

func isDenialEvent(event string) bool {
	switch event {
	case "rate_limit.denied", "auth.denied", "pairing.invalid", "pairing.rate_limited", "pool.full", "pool.busy":
		return true
	default:
		return false
	}
}
