package stream

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/video_downloader/internal/job"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan job.Job
	jobID  string
	logger *slog.Logger

	// owned by the hub goroutine
	last job.Job
	sent bool
}

func newClient(h *Hub, conn *websocket.Conn, jobID string, logger *slog.Logger) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan job.Job, sendBuffer),
		jobID:  jobID,
		logger: logger.With("job_id", jobID),
	}
}

// offer queues j unless the client already got it or something newer.
// It reports false when the send buffer is full.
func (c *client) offer(j job.Job) bool {
	if c.sent && (j == c.last || j.UpdatedAt.Before(c.last.UpdatedAt)) {
		return true
	}

	select {
	case c.send <- j:
		c.last = j
		c.sent = true

		return true
	default:
		return false
	}
}

// readPump drains control frames and notices when the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}

		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("progress stream read error", "err", err)
			}

			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case j, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

				return
			}

			if err := c.conn.WriteJSON(messageFor(j)); err != nil {
				c.logger.Debug("progress stream write failed", "err", err)

				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
