package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auraticabhi/PairFusion/internal/logging"
	"github.com/auraticabhi/PairFusion/internal/metrics"
)

// conn is one websocket connection. The write pump owns the socket for
// writes; everything else goes through the send channel.
type conn struct {
	id   string
	ws   *websocket.Conn
	srv  *Server
	send chan []byte
	once sync.Once
}

// enqueue hands a frame to the write pump. Non-blocking: frames are
// dropped when the peer cannot keep up.
func (c *conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		metrics.RecordSendError()
		logging.Warn("send buffer full, dropping frame", zap.String("conn_id", c.id))
	}
}

func (c *conn) readPump() {
	defer c.srv.teardown(c)

	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.srv.handleMessage(c, data)
	}
}

func (c *conn) writePump() {
	pingPeriod := c.srv.opts.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
