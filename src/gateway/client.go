package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/dispatcher"
)

// Connection quality grades, derived from heartbeat latency.
const (
	QualityExcellent = "EXCELLENT"
	QualityGood      = "GOOD"
	QualityPoor      = "POOR"
)

const sendBuffer = 64

// clientConn is one authenticated execution-client connection. Writes go
// through send so a single writer goroutine owns the websocket.
type clientConn struct {
	id     string
	userID uint
	pcID   string
	ea     EAInfo

	ws   *websocket.Conn
	send chan []byte
	once sync.Once

	mu            sync.Mutex
	connectedAt   time.Time
	lastHeartbeat time.Time
	latency       time.Duration
	messageCount  uint64
	errorCount    uint64
}

func newClientConn(id string, ws *websocket.Conn) *clientConn {
	now := time.Now()
	return &clientConn{
		id:            id,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// SendIntent implements dispatcher.ClientSender.
func (c *clientConn) SendIntent(intent dispatcher.Intent) error {
	frame, err := encode(MsgDispatch, intent)
	if err != nil {
		return err
	}
	return c.push(frame)
}

func (c *clientConn) push(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		return websocket.ErrCloseSent
	}
}

// writePump drains send onto the websocket until the channel closes.
func (c *clientConn) writePump() {
	for frame := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.WithError(err).WithField("conn_id", c.id).
				Debug("gateway write failed")
			return
		}
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.send)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *clientConn) touchHeartbeat(sentAt string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHeartbeat = now
	if sentAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil && now.After(t) {
			c.latency = now.Sub(t)
		}
	}
}

func (c *clientConn) countMessage() {
	c.mu.Lock()
	c.messageCount++
	c.mu.Unlock()
}

func (c *clientConn) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func (c *clientConn) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// ConnectionInfo is the admin-facing view of a live connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	UserID        uint      `json:"user_id"`
	PCID          string    `json:"pc_id"`
	EAInfo        EAInfo    `json:"ea_info"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LatencyMS     float64   `json:"latency_ms"`
	Quality       string    `json:"quality"`
	MessageCount  uint64    `json:"message_count"`
	ErrorCount    uint64    `json:"error_count"`
}

func (c *clientConn) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	quality := QualityExcellent
	switch {
	case c.latency == 0 || c.latency < 100*time.Millisecond:
	case c.latency < 500*time.Millisecond:
		quality = QualityGood
	default:
		quality = QualityPoor
	}

	return ConnectionInfo{
		ID:            c.id,
		UserID:        c.userID,
		PCID:          c.pcID,
		EAInfo:        c.ea,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		LatencyMS:     float64(c.latency) / float64(time.Millisecond),
		Quality:       quality,
		MessageCount:  c.messageCount,
		ErrorCount:    c.errorCount,
	}
}
