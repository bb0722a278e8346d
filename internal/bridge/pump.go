package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/coder/websocket"

	"github.com/basket/acp-bridge/internal/sessionpool"
)

// statusAgentExited is the close code sent to the client when the agent
// subprocess exits mid-session.
const statusAgentExited = websocket.StatusInternalError

// sinkCapacity bounds how many agent frames may queue for delivery to a
// live connection before Deliver falls back to the idle ring buffer.
const sinkCapacity = 256

// rpcEnvelope peeks at the fields of a JSON-RPC frame the bridge needs to
// make a forwarding decision, without committing to the full request shape.
type rpcEnvelope struct {
	Method string          `json:"method,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// startAgentReader launches the session's persistent stdout drain, grounded
// one per agent process rather than per connection: it keeps running across
// idle periods and reconnects until the process exits. Per §4.5, the agent
// response whose "id" matches the new session's initialize request is cached
// verbatim as the replayable handshake response; runPump records that id via
// SetExpectedHandshakeID before forwarding the request, so this goroutine
// only needs to watch for the matching reply among whatever the agent emits.
func (s *Server) startAgentReader(ctx context.Context, sess *sessionpool.Session) {
	go func() {
		proc := sess.Process()
		captured := false
		for {
			frame, err := proc.ReadFrame(ctx)
			if err != nil {
				s.cfg.Logger.Info("agent stream ended", "token_len", len(sess.Token))
				s.cfg.Pool.Remove(sess)
				return
			}
			if !captured && isHandshakeResponse(sess, frame) {
				sess.SetCachedHandshake(frame)
				captured = true
			}
			sess.Deliver(frame)
		}
	}()
}

func isHandshakeResponse(sess *sessionpool.Session, frame []byte) bool {
	expected, ok := sess.ExpectedHandshakeID()
	if !ok {
		return false
	}
	var env rpcEnvelope
	if err := json.Unmarshal(frame, &env); err != nil || len(env.ID) == 0 {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(env.ID), bytes.TrimSpace(expected))
}

// runPump implements the Session Bridge (C7) for one WebSocket connection:
// two cooperating directions sharing a single writer goroutine so the
// underlying connection only ever has one frame in flight. It returns
// whether the session should be kept alive and returned to Idle (false means
// the agent died and the session must be torn down instead).
func (s *Server) runPump(ctx context.Context, conn *websocket.Conn, sess *sessionpool.Session, reused bool) bool {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := make(chan []byte, sinkCapacity)
	buffered := sess.DrainBuffer()
	sess.Attach(sink)
	defer sess.Detach()

	agentDied := make(chan struct{})
	go s.writeLoop(pumpCtx, cancel, conn, sess, sink, buffered, agentDied)

	firstMessage := true
	for {
		msgType, data, err := conn.Read(pumpCtx)
		if err != nil {
			select {
			case <-agentDied:
				return false
			default:
				// Client closed gracefully: §4.8's Connected->Idle row applies
				// only when keep_alive is configured, else the agent is torn
				// down immediately (the default, per §6.4).
				return s.cfg.KeepAlive
			}
		}

		if msgType == websocket.MessageBinary {
			closeWith(conn, websocket.StatusUnsupportedData, "binary frames are not supported")
			return true
		}

		if firstMessage {
			firstMessage = false
			var env rpcEnvelope
			_ = json.Unmarshal(data, &env)
			if reused {
				if env.Method == "initialize" {
					if s.replayHandshake(pumpCtx, sess, sink, env.ID) {
						continue
					}
				} else {
					s.cfg.Logger.Warn("first message on reused session was not initialize", "method", env.Method)
				}
			} else if env.Method == "initialize" && len(env.ID) > 0 {
				sess.SetExpectedHandshakeID(env.ID)
			}
		}

		if err := sess.Process().WriteFrame(data); err != nil {
			select {
			case <-agentDied:
				return false
			default:
			}
			closeWith(conn, websocket.StatusInternalError, "agent write failed")
			return false
		}
	}
}

// replayHandshake rewrites the session's cached initialize response with the
// reconnecting client's own request id and queues it for delivery on the
// shared writer, intercepting the request so the agent never sees a second
// initialize call. Returns false (meaning: fall through and forward to the
// agent instead) when no cached handshake exists yet or the rewrite fails.
func (s *Server) replayHandshake(ctx context.Context, sess *sessionpool.Session, sink chan []byte, id json.RawMessage) bool {
	cached, ok := sess.CachedHandshake()
	if !ok {
		s.cfg.Logger.Warn("reused session has no cached handshake yet")
		return false
	}
	reply, err := replaceID(cached, id)
	if err != nil {
		s.cfg.Logger.Error("failed to rewrite cached handshake id", "error", err)
		return false
	}
	select {
	case sink <- reply:
		return true
	case <-ctx.Done():
		return true
	}
}

// replaceID returns a copy of the cached JSON-RPC response with its "id"
// field replaced by id, preserving the caller's original id type (string or
// number) rather than coercing it.
func replaceID(cached []byte, id json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(cached, &obj); err != nil {
		return nil, err
	}
	obj["id"] = id
	return json.Marshal(obj)
}

// writeLoop is the session bridge's sole writer: it flushes any frames
// buffered while the session was Idle, then relays live agent output until
// the connection closes, the agent exits, or a write stalls past the
// allowed window.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *sessionpool.Session, sink chan []byte, buffered [][]byte, agentDied chan struct{}) {
	for _, frame := range buffered {
		if !s.writeFrame(ctx, conn, frame) {
			cancel()
			return
		}
	}

	proc := sess.Process()
	for {
		select {
		case frame := <-sink:
			if !s.writeFrame(ctx, conn, frame) {
				cancel()
				return
			}
		case <-proc.Done():
			close(agentDied)
			closeWith(conn, statusAgentExited, "agent exited")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeStallTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		closeWith(conn, websocket.StatusInternalError, "write stalled")
		return false
	}
	return true
}
