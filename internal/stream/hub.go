// Package stream pushes job snapshots to websocket subscribers.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
)

const broadcastBuffer = 1024

var ErrHubClosed = errors.New("progress hub is not running")

// Message is what subscribers receive. It mirrors the polling endpoint.
type Message struct {
	DownloadID string `json:"download_id"`
	Status     string `json:"status"`
	Progress   string `json:"progress,omitempty"`
	Error      string `json:"error,omitempty"`
}

func messageFor(j job.Job) Message {
	m := Message{DownloadID: j.ID, Status: string(j.Status)}

	if j.Status == job.StatusError {
		m.Error = j.Error
	} else {
		m.Progress = j.Progress
	}

	return m
}

// Lookup returns the current snapshot of a job.
type Lookup func(id string) (job.Job, error)

// Hub fans job snapshots out to the clients subscribed to each job. All
// client bookkeeping happens on the Run goroutine.
type Hub struct {
	lookup Lookup
	logger *slog.Logger

	clients    map[string]map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan job.Job
	done       chan struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a hub. lookup provides the snapshot sent on subscription.
func NewHub(lookup Lookup) *Hub {
	return &Hub{
		lookup:     lookup,
		logger:     slog.Default(),
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan job.Job, broadcastBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS allows every origin, so does the stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger = logctx.LoggerFromContext(ctx)

	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for c := range clients {
					close(c.send)
				}
			}

			h.clients = make(map[string]map[*client]struct{})
			h.logger.InfoContext(ctx, "progress hub stopped")

			return

		case c := <-h.register:
			j, err := h.lookup(c.jobID)
			if err != nil {
				close(c.send)

				continue
			}

			if h.clients[c.jobID] == nil {
				h.clients[c.jobID] = make(map[*client]struct{})
			}

			h.clients[c.jobID][c] = struct{}{}
			h.deliver(c, j)

		case c := <-h.unregister:
			h.remove(c)

		case j := <-h.broadcast:
			for c := range h.clients[j.ID] {
				h.deliver(c, j)
			}
		}
	}
}

// deliver queues j for c. Clients that cannot keep up are dropped, and a
// terminal snapshot is the last thing a client receives.
func (h *Hub) deliver(c *client, j job.Job) {
	if !c.offer(j) {
		h.logger.Debug("dropping slow progress subscriber", "job_id", c.jobID)
		h.remove(c)

		return
	}

	if j.Status.IsTerminal() {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	clients, ok := h.clients[c.jobID]
	if !ok {
		return
	}

	if _, ok := clients[c]; !ok {
		return
	}

	delete(clients, c)
	close(c.send)

	if len(clients) == 0 {
		delete(h.clients, c.jobID)
	}
}

// Publish forwards a snapshot to the subscribers of its job. It is meant to
// be installed as the registry observer. Progress updates are dropped when
// the hub is saturated; terminal snapshots wait for room.
func (h *Hub) Publish(j job.Job) {
	if j.Status.IsTerminal() {
		select {
		case h.broadcast <- j:
		case <-h.done:
		}

		return
	}

	select {
	case h.broadcast <- j:
	default:
	}
}

// ServeWS upgrades the request and subscribes the connection to jobID. The
// caller checks that the job exists before calling it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newClient(h, conn, jobID, logctx.LoggerFromContext(r.Context()))

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()

		return ErrHubClosed
	}

	go c.writePump()
	go c.readPump()

	return nil
}
