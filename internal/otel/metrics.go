package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all bridge metrics instruments.
type Metrics struct {
	AgentsConnected    metric.Int64UpDownCounter
	AgentsIdle         metric.Int64UpDownCounter
	SessionDuration    metric.Float64Histogram
	AgentSpawns        metric.Int64Counter
	AgentExits         metric.Int64Counter
	HandshakeReplays   metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	PairingRedemptions metric.Int64Counter
	BufferDrops        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentsConnected, err = meter.Int64UpDownCounter("bridge.agents.connected",
		metric.WithDescription("Number of sessions currently in Connected state"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsIdle, err = meter.Int64UpDownCounter("bridge.agents.idle",
		metric.WithDescription("Number of sessions currently in Idle state"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("bridge.session.duration",
		metric.WithDescription("Wall-clock duration a session spent Connected"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentSpawns, err = meter.Int64Counter("bridge.agent.spawns",
		metric.WithDescription("Total agent child processes spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentExits, err = meter.Int64Counter("bridge.agent.exits",
		metric.WithDescription("Total agent child processes that exited or were terminated"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeReplays, err = meter.Int64Counter("bridge.handshake.replays",
		metric.WithDescription("Total reconnects served from a cached initialize response"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("bridge.ratelimit.rejects",
		metric.WithDescription("Upgrade attempts rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PairingRedemptions, err = meter.Int64Counter("bridge.pairing.redemptions",
		metric.WithDescription("Pairing code redemption attempts, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferDrops, err = meter.Int64Counter("bridge.buffer.drops",
		metric.WithDescription("Agent output frames dropped from a full idle ring buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
