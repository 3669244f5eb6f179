package server

// keepalive implements the periodic ping supervisor (C5), spec.md §4.5.
type keepalive struct {
	srv      *Server
	lastRun  int64
	interval int64 // milliseconds
	handle   TimerHandle
}

func newKeepalive(srv *Server, intervalMS int64) *keepalive {
	return &keepalive{
		srv:      srv,
		lastRun:  srv.clock.MonotonicMS(),
		interval: intervalMS,
	}
}

func (k *keepalive) start() {
	k.handle = k.srv.scheduler.Interval(k.srv.opts.KeepaliveInterval, k.tick)
}

func (k *keepalive) stop() {
	if k.handle != nil {
		k.handle.Stop()
	}
}

// tick runs one keepalive cycle, spec.md §4.5 points 1-4.
func (k *keepalive) tick() {
	now := k.srv.clock.MonotonicMS()
	elapsed := now - k.lastRun

	clients := k.srv.snapshotClients()

	// Point 2: assume host sleep/wake past 1.5x the interval, and grant a
	// grace window instead of mass-timing-out every connected client.
	if elapsed > (k.interval*3)/2 {
		for _, c := range clients {
			c.mu.Lock()
			if c.state == StateConnected {
				c.lastPongRecv = now
			}
			c.mu.Unlock()
		}
		k.srv.log.Noticef("keepalive: detected clock jump of %dms, granting grace window to %d client(s)", elapsed, len(clients))
	}

	for _, c := range clients {
		c.mu.Lock()
		state := c.state
		lastPong := c.lastPongRecv
		c.mu.Unlock()
		if state != StateConnected {
			continue
		}

		if now-lastPong < 2*k.interval {
			c.sendControl(opPing, []byte("ping"))
			c.mu.Lock()
			c.lastPingSent = now
			c.mu.Unlock()
		} else {
			k.srv.log.Noticef("keepalive: client %s timed out (last pong %dms ago)", c.id, now-lastPong)
			c.closeWithCode(closeStatusAbnormal, "Connection timeout")
			k.srv.disconnect(c, closeStatusAbnormal, "Connection timeout")
		}
	}

	k.lastRun = now
}
