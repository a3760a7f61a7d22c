package api

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/logging"
)

const (
	writeWait = 10 * time.Second

	// clientBuffer is how many messages may wait for a slow client before
	// further broadcasts to it are dropped.
	clientBuffer = 256
)

// ErrClientBehind is returned by Send when the client's queue is full.
var ErrClientBehind = errors.New("client is not keeping up")

// Conn is a live client connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsConn bounds every write with a deadline so a stuck client cannot hold its
// writer forever.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) WriteMessage(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// client owns the only writer of its connection once registered.
type client struct {
	conn Conn
	send chan []byte
}

// ConnectionManager is the registry of live connections. Each registered
// connection has its own queue and writer goroutine, so a slow client only
// delays itself.
type ConnectionManager struct {
	logger *logrus.Entry

	mu      sync.Mutex
	clients map[Conn]*client
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager(logger *logrus.Entry) *ConnectionManager {
	if logger == nil {
		logger = logging.NewLogger("ws")
	}
	return &ConnectionManager{
		logger:  logger,
		clients: make(map[Conn]*client),
	}
}

// Connect registers conn for broadcasts and starts its writer.
func (m *ConnectionManager) Connect(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[conn]; ok {
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	m.clients[conn] = cl
	go m.writePump(cl)
	m.logger.WithField("clients", len(m.clients)).Debug("Client connected")
}

func (m *ConnectionManager) writePump(cl *client) {
	for data := range cl.send {
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			m.logger.WithError(err).Debug("Dropping client after failed write")
			m.drop(cl)
			return
		}
	}
}

// Disconnect unregisters and closes conn. Unknown connections are ignored.
func (m *ConnectionManager) Disconnect(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := m.clients[conn]; ok {
		m.dropLocked(cl)
	}
}

// drop removes cl unless conn has since been registered again.
func (m *ConnectionManager) drop(cl *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[cl.conn] == cl {
		m.dropLocked(cl)
	}
}

// Caller holds mu.
func (m *ConnectionManager) dropLocked(cl *client) {
	conn := cl.conn
	delete(m.clients, conn)
	close(cl.send)
	conn.Close()
	m.logger.WithField("clients", len(m.clients)).Debug("Client disconnected")
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Broadcast serializes msg once and queues it for every connection without
// waiting on any of them. A client whose queue is full misses this message.
// It returns how many connections the message was queued for.
func (m *ConnectionManager) Broadcast(msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to encode broadcast")
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	for _, cl := range m.clients {
		select {
		case cl.send <- data:
			queued++
		default:
			m.logger.WithField("clients", len(m.clients)).Debug("Client queue full, message dropped")
		}
	}
	return queued
}

// Send writes msg to a single connection. An unregistered connection, such
// as one still waiting for its init snapshot, is written directly; a
// registered one goes through its queue.
func (m *ConnectionManager) Send(conn Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cl, ok := m.clients[conn]
	if ok {
		defer m.mu.Unlock()
		select {
		case cl.send <- data:
			return nil
		default:
			return ErrClientBehind
		}
	}
	m.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
