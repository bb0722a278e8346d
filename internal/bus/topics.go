package bus

// PoolStatsEvent is published by the reaper each sweep with the same
// counters it logs (§4.7): agents_total, agents_connected, agents_idle.
type PoolStatsEvent struct {
	Total     int
	Connected int
	Idle      int
}

// TopicPoolStats is the topic PoolStatsEvent is published under.
const TopicPoolStats = "pool.stats"
