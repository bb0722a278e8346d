// Package bridge implements the Connection Acceptor (C8) and Session
// Bridge (C7): the HTTP(S) surface clients upgrade to a WebSocket on, the
// admission checks run before a pool slot is touched, and the two-directional
// pump that relays JSON-RPC frames between the WebSocket and the agent
// subprocess, including first-message handshake interception on reuse.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/acp-bridge/internal/agentproc"
	"github.com/basket/acp-bridge/internal/audit"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/pairing"
	"github.com/basket/acp-bridge/internal/ratelimit"
	"github.com/basket/acp-bridge/internal/sessionpool"
)

// writeStallTimeout is how long a WebSocket write may block before the
// bridge gives up on a slow client and tears the session down (§5).
const writeStallTimeout = 5 * time.Second

// handshakeTimeout bounds the WebSocket upgrade itself (§5).
const handshakeTimeout = 10 * time.Second

// Config bundles everything the bridge's HTTP surface needs.
type Config struct {
	// Ctx is the server's background lifetime context: agent processes,
	// their stdout readers, and session pumps are scoped to it rather than
	// to any one HTTP request's context, which is cancelled as soon as that
	// request's handler returns.
	Ctx          context.Context
	Pool         *sessionpool.Pool
	Limiter      *ratelimit.Limiter
	Pairing      *pairing.Manager
	AgentCommand []string
	AuthToken    string
	AuthEnabled  bool
	// KeepAlive controls what a graceful client disconnect does to the
	// session: true returns it to the pool Idle (§4.8's "client close,
	// keep_alive" row), false tears the agent process down immediately.
	// Defaults to false (§6.4), matching config.Config.KeepAlive.
	KeepAlive    bool
	AllowOrigins []string
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
}

// Server owns the bridge's HTTP(S) surface.
type Server struct {
	cfg Config

	mu        sync.Mutex
	pairingMgr *pairing.Manager
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}
	return &Server{cfg: cfg, pairingMgr: cfg.Pairing}
}

func (s *Server) publish(topic string, payload interface{}) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

// SetPairingManager atomically swaps the active pairing manager, used when
// the TLS identity rotates and a fresh code must be issued for it.
func (s *Server) SetPairingManager(m *pairing.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingMgr = m
}

func (s *Server) currentPairingManager() *pairing.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingMgr
}

// Handler returns the bridge's HTTP handler: the data-plane WebSocket
// upgrade at "/", the pairing endpoint at "/pair/local", and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/pair/local", s.handlePairLocal)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	stats := s.cfg.Pool.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":          true,
		"agents_total":     stats.Total,
		"agents_connected": stats.Connected,
		"agents_idle":      stats.Idle,
	})
}

func (s *Server) handlePairLocal(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	mgr := s.currentPairingManager()
	if mgr == nil || code == "" {
		writeJSONError(w, http.StatusUnauthorized, "invalid_code")
		return
	}

	resp, err := mgr.Redeem(code)
	if err != nil {
		pErr, _ := err.(*pairing.Error)
		s.publish(bus.TopicPairingRedeemed, bus.PairingEvent{Outcome: string(errOutcome(pErr))})
		audit.Record("pairing."+string(errOutcome(pErr)), "", "")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PairingRedemptions.Add(r.Context(), 1)
		}
		if pErr != nil && pErr.Outcome == pairing.OutcomeRateLimited {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "invalid_code")
		return
	}

	s.publish(bus.TopicPairingRedeemed, bus.PairingEvent{AgentID: resp.AgentID, Outcome: "redeemed"})
	audit.Record("pairing.redeemed", resp.AgentID, "")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PairingRedemptions.Add(r.Context(), 1)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func errOutcome(pErr *pairing.Error) pairing.Outcome {
	if pErr == nil {
		return pairing.OutcomeInvalid
	}
	return pErr.Outcome
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// handleUpgrade is the Connection Acceptor (C8): rate limit, authenticate,
// complete the upgrade, then hand off to the pool and the session bridge.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)

	if checkErr := s.cfg.Limiter.CheckConnection(ip); checkErr != nil {
		err := checkErr.(*ratelimit.Error)
		s.publish(bus.TopicRateLimitDenied, bus.AdmissionDeniedEvent{IP: ip, Reason: err.Reason})
		audit.Record("rate_limit.denied", ip, err.Reason)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		}
		ratelimit.RespondTooManyRequests(w, err)
		return
	}

	token := extractToken(r)
	if s.cfg.AuthEnabled && !constantTimeTokenMatch(token, s.cfg.AuthToken) {
		s.publish(bus.TopicAuthDenied, bus.AdmissionDeniedEvent{IP: ip, Reason: "bad_token"})
		audit.Record("auth.denied", ip, "")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.cfg.Limiter.AddConnection(ip)
	admitted := false
	defer func() {
		if !admitted {
			s.cfg.Limiter.RemoveConnection(ip)
		}
	}()

	handshakeCtx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	conn, err := websocket.Accept(w, r.WithContext(handshakeCtx), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	cancel()
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err, "ip", ip)
		return
	}

	admitted = true
	go func() {
		defer s.cfg.Limiter.RemoveConnection(ip)
		s.runSession(s.cfg.Ctx, conn, token, ip)
	}()
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("X-Bridge-Token"); header != "" {
		return header
	}
	return r.URL.Query().Get("token")
}

func constantTimeTokenMatch(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// runSession implements the acquire branch of C8 §4.6 step 6 and then runs
// the session bridge pump until teardown.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, token, ip string) {
	sess, result := s.cfg.Pool.Acquire(token)
	switch result {
	case sessionpool.ResultFull:
		closeWith(conn, statusPoolFull, "pool full, try again later")
		return
	case sessionpool.ResultBusy:
		closeWith(conn, statusSessionBusy, "session already active")
		return
	case sessionpool.ResultNew:
		proc, err := agentproc.Spawn(ctx, s.cfg.AgentCommand, s.cfg.Logger)
		if err != nil {
			s.cfg.Logger.Error("failed to spawn agent", "error", err, "ip", ip)
			closeWith(conn, websocket.StatusInternalError, "failed to spawn agent")
			return
		}
		inserted := s.cfg.Pool.Insert(token, proc)
		if inserted.Process() != proc {
			// Lost the race for this token: another connection's spawn won
			// Insert first. Terminate the redundant process rather than
			// leak it, and reuse the winner's session instead.
			proc.Terminate()
		} else {
			s.startAgentReader(ctx, inserted)
		}
		sess = inserted
	case sessionpool.ResultReused:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HandshakeReplays.Add(ctx, 1)
		}
	}

	keepAlive := s.runPump(ctx, conn, sess, result == sessionpool.ResultReused)
	s.cfg.Pool.Release(sess, keepAlive)
}

// Custom close codes from §6.1: 1013 (pool exhausted, standard "try again
// later") and 4409 (private-use range, session already has a live
// connection — mirrors HTTP 409).
const (
	statusPoolFull    = websocket.StatusCode(1013)
	statusSessionBusy = websocket.StatusCode(4409)
)

func closeWith(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	_ = conn.Close(code, reason)
}
