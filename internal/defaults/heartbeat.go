package defaults

import "time"

const minHeartbeatInterval = 500 * time.Millisecond

// HeartbeatInterval returns the heartbeat period for a connection with the
// given idle timeout.
//
// It uses idleTimeout / 2, clamps to a small minimum for usability, and
// guarantees the resulting interval is strictly less than the idle timeout.
func HeartbeatInterval(idleTimeout time.Duration) time.Duration {
	if idleTimeout <= 0 {
		return 0
	}
	interval := idleTimeout / 2
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	if interval >= idleTimeout {
		interval = idleTimeout / 2
	}
	return interval
}

// PongWait returns how long a server waits for a pong before treating the
// peer as gone: two full ping periods plus slack, so a single lost pong
// never kills the connection.
func PongWait(pingInterval time.Duration) time.Duration {
	if pingInterval <= 0 {
		pingInterval = PingInterval
	}
	return 2*pingInterval + pingInterval/2
}
