// Package pairing implements the one-time, 6-digit pairing code flow (C3)
// that binds a freshly generated auth token and TLS fingerprint to the first
// client that redeems the code. Validation order matches the rate-limit
// check first, then used, then expired, then mismatch (which increments the
// failed-attempt counter), then an atomic swap to consumed — so a racing
// redeem can never double-spend a code.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/acp-bridge/internal/clock"
)

// Outcome classifies a redemption result for audit/metrics purposes.
type Outcome string

const (
	OutcomeRedeemed    Outcome = "redeemed"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeAlreadyUsed Outcome = "already_used"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Error reports why a redemption attempt was refused.
type Error struct {
	Outcome Outcome
}

func (e *Error) Error() string {
	switch e.Outcome {
	case OutcomeAlreadyUsed:
		return "pairing code has already been used"
	case OutcomeRateLimited:
		return "too many failed attempts"
	default:
		return "pairing code is invalid or expired"
	}
}

// Response is what a successful redemption hands back to the client: the
// connection details needed to open the authenticated WebSocket.
type Response struct {
	AgentID         string `json:"agentId"`
	URL             string `json:"url"`
	Protocol        string `json:"protocol"`
	Version         string `json:"version"`
	AuthToken       string `json:"authToken"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
}

// Manager holds the single active pairing code for this bridge process.
// A new Manager (and thus a new code) is minted once at startup and again
// whenever the TLS identity rotates, per §6.3's SAN-change policy.
type Manager struct {
	code            string
	createdAt       time.Time
	expiry          time.Duration
	maxAttempts     uint32
	agentID         string
	websocketURL    string
	authToken       string
	certFingerprint string
	clock           clock.Clock

	used     atomic.Bool
	attempts atomic.Uint32

	mu sync.Mutex // guards the used.swap + response construction as one step
}

// New creates a Manager with a fresh random code. clk may be nil to use the
// system clock. expiry and maxAttempts default to 60s / 5 attempts when zero.
func New(agentID, websocketURL, authToken, certFingerprint string, expiry time.Duration, maxAttempts int, clk clock.Clock) (*Manager, error) {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	return &Manager{
		code:            code,
		createdAt:       clk.Now(),
		expiry:          expiry,
		maxAttempts:     uint32(maxAttempts),
		agentID:         agentID,
		websocketURL:    websocketURL,
		authToken:       authToken,
		certFingerprint: certFingerprint,
		clock:           clk,
	}, nil
}

// Code returns the current pairing code (for printing to the operator, e.g.
// a terminal QR code).
func (m *Manager) Code() string {
	return m.code
}

// IsExpired reports whether the code's TTL has elapsed.
func (m *Manager) IsExpired() bool {
	return m.clock.Now().Sub(m.createdAt) > m.expiry
}

// SecondsRemaining returns the whole seconds left before expiry, or 0 if
// already expired.
func (m *Manager) SecondsRemaining() int {
	elapsed := m.clock.Now().Sub(m.createdAt)
	if elapsed > m.expiry {
		return 0
	}
	return int((m.expiry - elapsed).Seconds())
}

// PairingURL builds the client-facing pairing link, appending the TLS
// fingerprint as a query parameter when one is known.
func (m *Manager) PairingURL(baseURL string) string {
	u := fmt.Sprintf("%s/pair/local?code=%s", baseURL, m.code)
	if m.certFingerprint != "" {
		u += "&fp=" + url.QueryEscape(m.certFingerprint)
	}
	return u
}

// Redeem validates code and, on success, atomically marks this Manager's
// code as consumed and returns the connection Response (I5: at most one
// successful redemption per code).
func (m *Manager) Redeem(code string) (*Response, error) {
	if m.attempts.Load() >= m.maxAttempts {
		return nil, &Error{Outcome: OutcomeRateLimited}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used.Load() {
		return nil, &Error{Outcome: OutcomeAlreadyUsed}
	}
	if m.IsExpired() {
		return nil, &Error{Outcome: OutcomeInvalid}
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(m.code)) != 1 {
		m.attempts.Add(1)
		return nil, &Error{Outcome: OutcomeInvalid}
	}
	if m.used.Swap(true) {
		// Lost a race to another redeemer holding this same lock path is
		// impossible (mu serializes Redeem), but Swap keeps the invariant
		// explicit even if a future caller bypasses the mutex.
		return nil, &Error{Outcome: OutcomeAlreadyUsed}
	}

	return &Response{
		AgentID:         m.agentID,
		URL:             m.websocketURL,
		Protocol:        "acp",
		Version:         "1.0",
		AuthToken:       m.authToken,
		CertFingerprint: m.certFingerprint,
	}, nil
}

// generateCode returns a cryptographically random 6-digit string in
// [100000, 999999], using crypto/rand rather than a PRNG since the code
// gates issuance of a long-lived bearer credential.
func generateCode() (string, error) {
	const lo, span = 100000, 900000
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return fmt.Sprintf("%06d", lo+int(n%span)), nil
}
