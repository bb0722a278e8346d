package sessionpool

import (
	"context"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/agentproc"
	"github.com/basket/acp-bridge/internal/clock"
)

func spawnEcho(t *testing.T) *agentproc.Process {
	t.Helper()
	p, err := agentproc.Spawn(context.Background(), []string{"sh", "-c", "cat"}, nil)
	if err != nil {
		t.Fatalf("agentproc.Spawn: %v", err)
	}
	return p
}

func TestAcquire_NewTokenWithCapacity(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	_, result := pool.Acquire("tok-a")
	if result != ResultNew {
		t.Fatalf("expected ResultNew, got %v", result)
	}
}

func TestAcquire_ConnectedSessionIsBusy(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	defer proc.Terminate()
	pool.Insert("tok-a", proc)

	_, result := pool.Acquire("tok-a")
	if result != ResultBusy {
		t.Fatalf("expected ResultBusy, got %v", result)
	}
}

func TestAcquire_IdleSessionIsReused(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)
	pool.Release(sess, true)

	got, result := pool.Acquire("tok-a")
	if result != ResultReused {
		t.Fatalf("expected ResultReused, got %v", result)
	}
	if got != sess {
		t.Fatal("expected the same session instance back")
	}
	if got.State() != StateConnected {
		t.Fatalf("expected reused session to be Connected, got %v", got.State())
	}
}

// TestAcquire_FullPoolRejectsRatherThanEvicts is the B2 scenario: a full
// pool with no entry for the requesting token rejects outright. The Go
// port never evicts an idle session to make room, unlike the reference
// it was ported from.
func TestAcquire_FullPoolRejectsRatherThanEvicts(t *testing.T) {
	pool := New(Config{MaxAgents: 1})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)
	pool.Release(sess, true) // tok-a is now Idle, but still occupies the one slot

	_, result := pool.Acquire("tok-b")
	if result != ResultFull {
		t.Fatalf("expected ResultFull, got %v", result)
	}
	if pool.Stats().Total != 1 {
		t.Fatalf("expected the idle session to remain unevicted, stats=%+v", pool.Stats())
	}
}

func TestRelease_WithoutKeepAliveRemovesSession(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	sess := pool.Insert("tok-a", proc)

	pool.Release(sess, false)

	if pool.Stats().Total != 0 {
		t.Fatalf("expected session removed, stats=%+v", pool.Stats())
	}
	select {
	case <-proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected process to be terminated")
	}
}

func TestRelease_WithKeepAliveMarksIdle(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)

	pool.Release(sess, true)

	if sess.State() != StateIdle {
		t.Fatalf("expected Idle, got %v", sess.State())
	}
	if sess.DisconnectedAt().IsZero() {
		t.Fatal("expected disconnectedAt to be set")
	}
}

func TestSetCachedHandshake_WriteOnce(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)

	sess.SetCachedHandshake([]byte(`{"result":"first"}`))
	sess.SetCachedHandshake([]byte(`{"result":"second"}`))

	got, ok := sess.CachedHandshake()
	if !ok {
		t.Fatal("expected handshake to be set")
	}
	if string(got) != `{"result":"first"}` {
		t.Fatalf("expected write-once semantics, got %s", got)
	}
}

func TestBufferFrame_DropsOldestOnOverflow(t *testing.T) {
	pool := New(Config{MaxAgents: 2, BufferMessages: true})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)

	for i := 0; i < RingBufferCapacity+5; i++ {
		sess.BufferFrame([]byte{byte(i)})
	}

	frames := sess.DrainBuffer()
	if len(frames) != RingBufferCapacity {
		t.Fatalf("expected buffer capped at %d, got %d", RingBufferCapacity, len(frames))
	}
	if frames[0][0] != 5 {
		t.Fatalf("expected oldest 5 frames dropped, first remaining is %d", frames[0][0])
	}
}

func TestBufferFrame_NoopWhenBufferingDisabled(t *testing.T) {
	pool := New(Config{MaxAgents: 2, BufferMessages: false})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)

	sess.BufferFrame([]byte("x"))
	if frames := sess.DrainBuffer(); frames != nil {
		t.Fatalf("expected no buffering, got %v", frames)
	}
}

// TestReapIdle_EvictsAfterSessionTimeout mirrors the literal scenario:
// session_timeout=1s, session goes Idle at t=0, reaper sweeps at t=1.5s,
// session is gone afterward.
func TestReapIdle_EvictsAfterSessionTimeout(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	pool := New(Config{MaxAgents: 2, Clock: fc})
	proc := spawnEcho(t)
	sess := pool.Insert("tok-a", proc)
	pool.Release(sess, true)

	fc.Advance(1500 * time.Millisecond)
	pool.ReapIdle(context.Background(), time.Second)

	if pool.Stats().Total != 0 {
		t.Fatalf("expected session reaped, stats=%+v", pool.Stats())
	}
}

func TestReapIdle_KeepsSessionBeforeTimeout(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	pool := New(Config{MaxAgents: 2, Clock: fc})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)
	pool.Release(sess, true)

	fc.Advance(500 * time.Millisecond)
	pool.ReapIdle(context.Background(), time.Second)

	if pool.Stats().Total != 1 {
		t.Fatalf("expected session to survive, stats=%+v", pool.Stats())
	}
}

func TestReapIdle_EvictsDeadProcessRegardlessOfState(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	pool := New(Config{MaxAgents: 2, Clock: fc})
	proc, err := agentproc.Spawn(context.Background(), []string{"sh", "-c", "exit 0"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pool.Insert("tok-a", proc)

	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected process to exit")
	}

	pool.ReapIdle(context.Background(), time.Hour)

	if pool.Stats().Total != 0 {
		t.Fatalf("expected dead process to be reaped despite Connected state, stats=%+v", pool.Stats())
	}
}

func TestStats_CountsConnectedAndIdleSeparately(t *testing.T) {
	pool := New(Config{MaxAgents: 3})
	a := spawnEcho(t)
	b := spawnEcho(t)
	defer a.Terminate()
	defer b.Terminate()

	pool.Insert("tok-a", a)
	sessB := pool.Insert("tok-b", b)
	pool.Release(sessB, true)

	stats := pool.Stats()
	if stats.Total != 2 || stats.Connected != 1 || stats.Idle != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestShutdown_TerminatesAllSessions(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	a := spawnEcho(t)
	b := spawnEcho(t)
	pool.Insert("tok-a", a)
	pool.Insert("tok-b", b)

	pool.Shutdown()

	for _, proc := range []*agentproc.Process{a, b} {
		select {
		case <-proc.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("expected process terminated by Shutdown")
		}
	}
	if pool.Stats().Total != 0 {
		t.Fatalf("expected empty pool after shutdown, stats=%+v", pool.Stats())
	}
}

// TestInsert_ConcurrentSpawnsForSameTokenReturnsWinnerToBothCallers covers
// the race window between Acquire releasing the lock (so the caller can
// spawn without holding it) and Insert re-acquiring it: two callers that both
// observed ResultNew for the same token and spawned their own process must
// not both land in the map. The loser's Insert call gets the winner's
// session back so it can Terminate its own redundant process instead of
// leaking it.
func TestInsert_ConcurrentSpawnsForSameTokenReturnsWinnerToBothCallers(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	procA := spawnEcho(t)
	procB := spawnEcho(t)

	sessA := pool.Insert("tok-a", procA)
	sessB := pool.Insert("tok-a", procB)

	if sessA != sessB {
		t.Fatalf("expected both Insert calls to return the same session, got %p and %p", sessA, sessB)
	}
	if sessA.Process() != procA {
		t.Fatalf("expected the first Insert's process to win, got %p", sessA.Process())
	}
	if pool.Stats().Total != 1 {
		t.Fatalf("expected exactly one session registered, stats=%+v", pool.Stats())
	}

	// The caller holding procB is now responsible for terminating it itself,
	// since Insert did not register it.
	procB.Terminate()
	select {
	case <-procB.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the redundant process to terminate")
	}
	procA.Terminate()
}

func TestSetMaxAgents_LowersCapAgainstFutureAcquires(t *testing.T) {
	pool := New(Config{MaxAgents: 2})
	proc := spawnEcho(t)
	defer proc.Terminate()
	pool.Insert("tok-a", proc)

	pool.SetMaxAgents(1)

	_, result := pool.Acquire("tok-b")
	if result != ResultFull {
		t.Fatalf("expected lowered cap to reject a new token, got %v", result)
	}
}

func TestSetMaxAgents_RaisesCapForFutureAcquires(t *testing.T) {
	pool := New(Config{MaxAgents: 1})
	proc := spawnEcho(t)
	defer proc.Terminate()
	pool.Insert("tok-a", proc)

	pool.SetMaxAgents(2)

	_, result := pool.Acquire("tok-b")
	if result != ResultNew {
		t.Fatalf("expected raised cap to admit a new token, got %v", result)
	}
}

// TestStartReaper_PicksUpSetSessionTimeoutWithoutRestart covers the live
// config-reload path: SetSessionTimeout changes the duration StartReaper's
// background sweep uses, without needing to stop and recreate the reaper.
func TestStartReaper_PicksUpSetSessionTimeoutWithoutRestart(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	pool := New(Config{MaxAgents: 2, Clock: fc})
	proc := spawnEcho(t)
	defer proc.Terminate()
	sess := pool.Insert("tok-a", proc)
	pool.Release(sess, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.StartReaper(ctx, time.Second, time.Hour)
	time.Sleep(50 * time.Millisecond) // let the reaper goroutine register its first After(period) wait

	// Shrink the timeout well below the session's idle age before the next
	// sweep fires; the reaper should pick up the new value without a restart.
	pool.SetSessionTimeout(100 * time.Millisecond)
	fc.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Stats().Total == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session reaped after SetSessionTimeout shrunk the window, stats=%+v", pool.Stats())
}
