package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/config"
	"github.com/cory-johannsen/boardrelay/internal/protocol"
	"github.com/cory-johannsen/boardrelay/internal/session"
)

// closeGrace is how long the write pump waits for the peer to answer a close
// frame before dropping the socket.
const closeGrace = time.Second

// Conn pumps frames between one WebSocket and its Session. The read pump is
// the only reader and the write pump the only writer of ws.
type Conn struct {
	ws      *websocket.Conn
	session *session.Session
	hub     Hub
	cfg     config.TransportConfig
	logger  *zap.Logger
}

func newConn(ws *websocket.Conn, s *session.Session, hub Hub, cfg config.TransportConfig, logger *zap.Logger) *Conn {
	return &Conn{
		ws:      ws,
		session: s,
		hub:     hub,
		cfg:     cfg,
		logger:  logger.With(zap.String("conn_id", s.ID()), zap.String("remote_addr", ws.RemoteAddr().String())),
	}
}

// serve runs both pumps and reports the disconnect to the hub once the
// read side ends.
//
// Postcondition: Both pumps have exited and ws is closed.
func (c *Conn) serve() {
	start := time.Now()
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		c.writePump(readerDone)
	}()

	reason := c.readPump()
	close(readerDone)
	c.hub.Disconnected(c.session, reason)
	<-writerDone

	c.logger.Debug("connection closed",
		zap.String("reason", string(reason)),
		zap.Duration("duration", time.Since(start)),
	)
}

func (c *Conn) readPump() protocol.DisconnectReason {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := reasonForReadError(err)
			c.logger.Debug("read ended", zap.String("reason", string(reason)), zap.Error(err))
			return reason
		}
		c.extendDeadline()

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		if err := c.hub.Receive(c.session, f); err != nil {
			return protocol.ReasonServerShuttingDown
		}
	}
}

func (c *Conn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline()))
}

func (c *Conn) writePump(readerDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.session.Outbound():
			if !ok {
				c.writeClose()
				select {
				case <-readerDone:
				case <-time.After(closeGrace):
				}
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.ws.EnableWriteCompression(len(frame) >= c.cfg.CompressionThreshold)
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-readerDone:
			return
		}
	}
}

// writeClose sends a close frame whose code tells the client why the server
// ended the session.
func (c *Conn) writeClose() {
	reason := c.session.CloseReason()
	msg := websocket.FormatCloseMessage(protocol.CloseCodeFor(reason), string(reason))
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debug("close frame not sent", zap.Error(err))
	}
}

// reasonForReadError maps a read failure onto the closed set of disconnect
// reasons.
func reasonForReadError(err error) protocol.DisconnectReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return protocol.ReasonClientNamespaceDisconnect
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.ReasonTransportClose
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReasonPingTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.ReasonTransportClose
	}
	return protocol.ReasonTransportError
}
