// File: protocol/keepalive.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "github.com/momentics/wsengine/api"

// idleTick accounts one loop iteration without inbound traffic. Every
// PingIntervalCycles idle iterations a ping is queued; the MaxPingIgnore-th
// unanswered ping is fatal. Any complete inbound frame resets the count.
func (c *Conn) idleTick() error {
	if c.cfg.PingIntervalCycles <= 0 {
		return nil
	}
	c.idle++
	if c.idle < c.cfg.PingIntervalCycles {
		return nil
	}
	c.idle = 0

	n := c.pingCount.Add(1)
	if int(n) >= c.cfg.MaxPingIgnore {
		return api.NewError(api.ErrCodeSocket, "peer stopped answering keepalive pings").WithContext("pings", n)
	}
	if err := c.framer.Enqueue(Frame{Opcode: OpcodePing, Fin: true}); err != nil {
		c.log.Debug("keepalive ping not queued", "error", err)
		return nil
	}
	c.pingsSent.Add(1)
	c.log.Debug("keepalive ping queued", "unanswered", n)
	return nil
}
