package protocol

import (
	"errors"
	"fmt"
	"time"

	wscommon "scanbridge/common/ws"
	"scanbridge/devices"
	"scanbridge/scan"
	"scanbridge/session"
)

// Client-facing error texts.
const (
	errInvalidFormat = "Invalid message format"
	errUnknownType   = "Unknown message type"
	errInternal      = "Internal error"
	errShuttingDown  = "Server shutting down"
)

// connection is one control-channel client. readLoop owns the socket reads;
// process owns the session and handles messages in arrival order.
type connection struct {
	server *Server
	id     string
	conn   *wscommon.Conn
	sess   *session.Session
	queue  chan []byte
}

func (c *connection) readLoop() {
	s := c.server
	pingDone := make(chan struct{})
	defer func() {
		close(pingDone)
		s.registry.Remove(c.id)
		close(c.queue)
		c.conn.Close()

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.observer.ConnectionClosed()
		s.logger.Info("Client disconnected", "conn", c.id)
	}()

	go c.pingLoop(pingDone)

	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			if wscommon.IsUnexpectedCloseError(err) {
				s.logger.Warn("WebSocket read error", "conn", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		c.trace("Message received", "conn", c.id, "len", len(raw))
		c.queue <- raw
	}
}

func (c *connection) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WritePing(c.server.cfg.WriteTimeout); err != nil {
				c.server.logger.Warn("WebSocket ping failed, closing connection", "conn", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// process drains the queue. Messages still queued when the connection closes
// are skipped; a request already running completes and its response is
// discarded.
func (c *connection) process() {
	defer c.server.connWG.Done()
	for raw := range c.queue {
		if !c.server.registry.Active(c.id) {
			c.server.logger.Debug("Skipping message queued on closed connection", "conn", c.id)
			continue
		}
		c.handle(raw)
	}
}

func (c *connection) handle(raw []byte) {
	s := c.server
	if !s.begin() {
		c.send(wscommon.NewError(errShuttingDown))
		return
	}
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling message", "conn", c.id, "panic", fmt.Sprint(r))
			c.send(wscommon.NewError(errInternal))
		}
	}()

	msg, err := wscommon.DecodeMessage(raw)
	if err != nil {
		if errors.Is(err, wscommon.ErrMissingType) {
			s.logger.Warn("Message without type", "conn", c.id)
			c.send(wscommon.NewError(errUnknownType))
			return
		}
		s.logger.Warn("Failed to parse message", "conn", c.id, "error", err)
		c.send(wscommon.NewError(errInvalidFormat))
		return
	}

	switch msg.Type {
	case wscommon.MessageTypeGetScanners:
		c.handleGetScanners()
	case wscommon.MessageTypeStartScan:
		c.handleStartScan(msg.DeviceID)
	default:
		s.logger.Warn("Unknown message type", "conn", c.id, "message_type", msg.Type)
		c.send(wscommon.NewError(errUnknownType))
	}
}

func (c *connection) handleGetScanners() {
	s := c.server
	if !c.sess.AllowDeviceList() {
		s.observer.ObserveThrottled()
		s.logger.Debug("Dropping throttled get-scanners", "conn", c.id)
		return
	}

	list := devices.WithPlaceholder(s.lister.List(s.baseCtx))
	if c.sess.ObserveDeviceList(list) {
		s.logger.Info("Device list changed", "conn", c.id, "count", len(list), "first", list[0].Name)
	} else {
		c.trace("Device list unchanged", "conn", c.id, "count", len(list))
	}
	c.send(&wscommon.Message{Type: wscommon.MessageTypeScannersList, Data: list})
}

func (c *connection) handleStartScan(deviceID string) {
	s := c.server
	s.logger.Info("Scan requested", "conn", c.id, "device", deviceID)

	res, err := s.scanner.Scan(s.baseCtx, scan.Request{DeviceID: deviceID, ConnectionID: c.id})
	if err != nil {
		c.send(wscommon.NewError(errorText(err)))
		return
	}
	c.send(&wscommon.Message{Type: wscommon.MessageTypeScanComplete, Data: res})
}

func errorText(err error) string {
	var se *scan.Error
	if errors.As(err, &se) {
		return se.Message()
	}
	return "Scan failed: " + err.Error()
}

// send writes msg unless the connection has closed, in which case the
// response is logged and dropped.
func (c *connection) send(msg *wscommon.Message) {
	s := c.server
	if !s.registry.Active(c.id) {
		s.logger.Info("Discarding response for closed connection", "conn", c.id, "type", msg.Type)
		return
	}
	if err := c.conn.WriteMessage(msg, s.cfg.WriteTimeout); err != nil {
		s.logger.Warn("Failed to send response", "conn", c.id, "type", msg.Type, "error", err)
		return
	}
	c.trace("Response sent", "conn", c.id, "type", msg.Type)
}

func (c *connection) trace(msg string, context ...interface{}) {
	if t, ok := c.server.logger.(tagLogger); ok {
		t.TraceTag("protocol", msg, context...)
	}
}
