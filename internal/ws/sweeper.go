package ws

import (
	"log"
	"time"
)

// startSweeper runs the keepalive loop in the background: every PingInterval
// it pings all connections and evicts the ones whose clients have produced
// no frames within IdleTimeout. The goroutine exits when the server shuts
// down.
func (s *Server) startSweeper() {
	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweepIdle()
			}
		}
	}()
}

// sweepIdle walks the connection table once. Idle connections are removed;
// everyone else gets a protocol-level ping, which browsers answer
// automatically, so the answering pong counts as activity on the next
// sweep. A failed ping write means the socket is already dead.
func (s *Server) sweepIdle() {
	for _, c := range s.conns.All() {
		if idle := c.IdleFor(); idle > s.config.IdleTimeout {
			log.Printf("ws: idle timeout conn=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: keepalive ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}
