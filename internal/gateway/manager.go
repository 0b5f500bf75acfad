// Package gateway serves the chat over WebSocket connections.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/traitlab/internal/metrics"
)

// ConnManager tracks the live connection of every (user, channel) pair.
// Registering a new connection for a pair closes the previous one.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the live connection for a user and channel.
func (m *ConnManager) GetActive(userID, channelID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if channels, ok := m.active[userID]; ok {
		return channels[channelID]
	}
	return nil
}

// Count returns the number of live connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, channels := range m.active {
		n += len(channels)
	}
	return n
}

// Register makes conn the live connection for the pair.
func (m *ConnManager) Register(userID, channelID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][channelID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "connection replaced")
	} else {
		metrics.WebSocketConnections.Inc()
	}

	m.active[userID][channelID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "channel_id", channelID)
}

// Unregister removes conn if it is still the live connection for the pair.
func (m *ConnManager) Unregister(userID, channelID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if channels, ok := m.active[userID]; ok {
		if current, exists := channels[channelID]; exists && current == conn {
			delete(channels, channelID)
			if len(channels) == 0 {
				delete(m.active, userID)
			}
			metrics.WebSocketConnections.Dec()
			slog.Info("Chat connection unregistered", "user_id", userID, "channel_id", channelID)
		}
	}
}

// CloseAll closes every live connection, used on shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, channels := range m.active {
		for channelID, conn := range channels {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			metrics.WebSocketConnections.Dec()
			slog.Info("Chat connection closed", "user_id", userID, "channel_id", channelID)
		}
	}
	m.active = make(map[string]map[string]*websocket.Conn)
}
