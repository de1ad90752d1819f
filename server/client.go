package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mosaicvideo/mosaic/jobs"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The job API carries no cookies; cross-origin dashboards are allowed
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection. It owns a broadcaster subscriber and
// forwards that subscriber's events to the peer as job_update messages.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	sendMsg chan interface{}
	sub     *jobs.Subscriber
	id      string

	closeOnce sync.Once
	forwarded chan struct{}
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server:    s,
		conn:      conn,
		sendMsg:   make(chan interface{}, 64),
		sub:       s.store.Broadcaster().NewSubscriber(),
		id:        uuid.NewString()[:8],
		forwarded: make(chan struct{}),
	}
	s.addClient(client)

	s.wg.Add(3)
	go client.forwardEvents()
	go client.writePump()
	go client.readPump()
}

// forwardEvents turns broadcaster events into job_update messages. Exits
// when the subscriber is disconnected, which closes its channel.
func (c *Client) forwardEvents() {
	defer c.server.wg.Done()
	defer close(c.forwarded)

	for event := range c.sub.Events() {
		data, _ := event.Data.(map[string]interface{})
		c.sendJSON(JobUpdateMessage{
			Type:      "job_update",
			JobID:     event.JobID,
			Event:     event.Type,
			Data:      data,
			Timestamp: event.Timestamp.Unix(),
		})
	}
}

// readPump handles inbound requests until the peer goes away, then tears
// the client down.
func (c *Client) readPump() {
	defer c.server.wg.Done()
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error", "client_id", c.id, "error", err)
			continue
		}
		c.routeMessage(&msg)
	}
}

// teardown detaches the subscriber, waits for the forwarder to drain, then
// closes the outbound channel so the write pump can exit.
func (c *Client) teardown() {
	c.server.store.Broadcaster().Disconnect(c.sub)
	<-c.forwarded
	c.closeOnce.Do(func() { close(c.sendMsg) })
	c.server.removeClient(c)
	c.conn.Close()
}

// disconnect forces the client down during server shutdown.
func (c *Client) disconnect() {
	c.conn.Close()
}

// routeMessage dispatches one inbound request.
func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "get_job_details":
		c.handleJobDetails(msg)
	case "get_user_jobs":
		c.handleUserJobs(msg)
	case "ping":
		// Deadline already refreshed by the pong handler
	default:
		c.sendJSON(ErrorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (c *Client) handleSubscribe(msg *ClientMessage) {
	if msg.JobID == "" {
		c.sendJSON(ErrorMessage{Type: "error", Error: "subscribe requires job_id"})
		return
	}
	c.server.store.Broadcaster().Subscribe(c.sub, msg.JobID)
	c.sendJSON(AckMessage{Type: "subscribed", JobID: msg.JobID})
}

func (c *Client) handleUnsubscribe(msg *ClientMessage) {
	if msg.JobID == "" {
		c.sendJSON(ErrorMessage{Type: "error", Error: "unsubscribe requires job_id"})
		return
	}
	c.server.store.Broadcaster().Unsubscribe(c.sub, msg.JobID)
	c.sendJSON(AckMessage{Type: "unsubscribed", JobID: msg.JobID})
}

func (c *Client) handleJobDetails(msg *ClientMessage) {
	job, err := c.server.store.Get(msg.JobID)
	if err != nil {
		c.sendJSON(ErrorMessage{Type: "error", Error: err.Error(), JobID: msg.JobID})
		return
	}
	c.sendJSON(JobDetailsMessage{
		Type: "job_details",
		Job:  clientView(job),
		Logs: c.server.jobLogs(msg.JobID),
	})
}

func (c *Client) handleUserJobs(msg *ClientMessage) {
	if msg.CreatedBy == "" {
		c.sendJSON(ErrorMessage{Type: "error", Error: "get_user_jobs requires created_by"})
		return
	}

	var status *jobs.JobStatus
	if msg.Status != "" {
		if !jobs.IsValidStatus(msg.Status) {
			c.sendJSON(ErrorMessage{Type: "error", Error: "unknown status: " + msg.Status})
			return
		}
		st := jobs.JobStatus(msg.Status)
		status = &st
	}
	var jobType *jobs.JobType
	if msg.JobType != "" {
		if !jobs.IsValidType(msg.JobType) {
			c.sendJSON(ErrorMessage{Type: "error", Error: "unknown job type: " + msg.JobType})
			return
		}
		jt := jobs.JobType(msg.JobType)
		jobType = &jt
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = 100
	}

	list := c.server.store.ListByCreator(msg.CreatedBy, status, jobType, limit)
	c.sendJSON(UserJobsMessage{
		Type:      "user_jobs",
		CreatedBy: msg.CreatedBy,
		Jobs:      clientViews(list),
	})
}

// sendJSON queues a message for the write pump, dropping when the peer has
// fallen too far behind.
func (c *Client) sendJSON(data interface{}) {
	select {
	case c.sendMsg <- data:
	default:
		c.server.logger.Warnw("Failed to queue message (channel full)", "client_id", c.id)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Client) writePump() {
	defer c.server.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
