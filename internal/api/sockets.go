package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// socketRegistry tracks open chat sockets per user so they can be closed on
// shutdown, and the turns they are running so shutdown can wait for them.
// http.Server.Shutdown does not touch hijacked connections.
type socketRegistry struct {
	mu     sync.RWMutex
	active map[string]map[int64]*websocket.Conn
	nextID int64

	turnMu   sync.Mutex
	draining bool
	turns    sync.WaitGroup
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{
		active: make(map[string]map[int64]*websocket.Conn),
	}
}

// register adds conn and returns its handle for unregister.
func (m *socketRegistry) register(userID string, conn *websocket.Conn) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[int64]*websocket.Conn)
	}
	m.active[userID][m.nextID] = conn
	slog.Debug("Chat socket registered", "user_id", userID, "socket_id", m.nextID)
	return m.nextID
}

func (m *socketRegistry) unregister(userID string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sockets, ok := m.active[userID]; ok {
		delete(sockets, id)
		if len(sockets) == 0 {
			delete(m.active, userID)
		}
	}
}

func (m *socketRegistry) count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// closeAll closes every registered socket with StatusGoingAway.
func (m *socketRegistry) closeAll(reason string) {
	m.mu.RLock()
	conns := make([]*websocket.Conn, 0)
	for _, sockets := range m.active {
		for _, conn := range sockets {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			return conn.Close(websocket.StatusGoingAway, reason)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Debug("Failed to close chat socket", "error", err)
	}
	slog.Info("Chat sockets closed", "count", len(conns))
}

// beginTurn records a turn in flight. It reports false once waitTurns has
// been called.
func (m *socketRegistry) beginTurn() bool {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()
	if m.draining {
		return false
	}
	m.turns.Add(1)
	return true
}

func (m *socketRegistry) endTurn() {
	m.turns.Done()
}

// waitTurns refuses new turns and blocks until the running ones finish or
// ctx is done.
func (m *socketRegistry) waitTurns(ctx context.Context) error {
	m.turnMu.Lock()
	m.draining = true
	m.turnMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
