// Package bridge manages the set of connected remote executors and turns
// a tool invocation into a pending, awaitable result over a long-lived
// bidirectional connection.
//
// Each inbound connection first sends a registration frame naming the
// single tool it serves and its capability list. Execute selects the
// first-registered agent advertising the requested tool, mints a fresh
// request id, and correlates the eventual response frame back to the
// waiting caller. On connection teardown every still-pending request for
// that agent resolves with ErrAgentDisconnected so no caller hangs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Failure taxonomy for Execute. The conversation loop treats these
// uniformly with local tool failures.
var (
	// ErrNoAgent means no connected agent advertises the requested tool.
	ErrNoAgent = errors.New("no agent available for tool")

	// ErrAgentDisconnected means the serving connection closed mid-flight.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrTimeout means the caller-supplied timeout elapsed before a response.
	ErrTimeout = errors.New("remote execution timed out")
)

// registerDeadline bounds how long a new connection may take to send its
// registration frame before being dropped.
const registerDeadline = 10 * time.Second

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// execResult carries a response frame (or a failure) to the waiting caller.
type execResult struct {
	result string
	err    error
}

// agentConn is one connected remote executor.
type agentConn struct {
	id           string
	tool         string
	capabilities []string
	connectedAt  time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan execResult // requestID → waiter
}

// writeFrame serializes concurrent writers on one connection.
func (a *agentConn) writeFrame(f frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(f)
}

// failAllPending resolves every outstanding request with err and clears
// the pending map.
func (a *agentConn) failAllPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		delete(a.pending, id)
		ch <- execResult{err: err}
	}
}

// AgentInfo is a read-only snapshot of a connected agent.
type AgentInfo struct {
	ID           string    `json:"id"`
	Tool         string    `json:"tool"`
	Capabilities []string  `json:"capabilities,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	Pending      int       `json:"pending"`
}

// Bridge owns the connection table. Construct once at process start and
// inject wherever remote execution is needed.
type Bridge struct {
	logger         *slog.Logger
	pingInterval   time.Duration
	defaultTimeout time.Duration

	mu     sync.RWMutex
	agents []*agentConn // registration order; Execute picks the first match
}

// New creates a bridge. pingInterval controls the heartbeat;
// defaultTimeout applies when Execute is called with timeout <= 0.
func New(logger *slog.Logger, pingInterval, defaultTimeout time.Duration) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Bridge{
		logger:         logger.With("component", "bridge"),
		pingInterval:   pingInterval,
		defaultTimeout: defaultTimeout,
	}
}

// HandleWS upgrades an inbound connection, performs the registration
// handshake, and services the connection until it closes.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	var reg frame
	if err := conn.ReadJSON(&reg); err != nil {
		b.logger.Debug("agent handshake read failed", "error", err)
		conn.Close()
		return
	}
	if reg.Type != frameRegister || reg.AgentID == "" || reg.Tool == "" {
		b.logger.Warn("invalid agent registration", "type", reg.Type, "agent_id", reg.AgentID)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * b.pingInterval))

	agent := &agentConn{
		id:           reg.AgentID,
		tool:         reg.Tool,
		capabilities: reg.Capabilities,
		connectedAt:  time.Now(),
		conn:         conn,
		pending:      make(map[string]chan execResult),
	}

	b.mu.Lock()
	// A reconnecting agent replaces its previous connection.
	for i, existing := range b.agents {
		if existing.id == agent.id {
			b.agents = append(b.agents[:i], b.agents[i+1:]...)
			existing.conn.Close()
			existing.failAllPending(ErrAgentDisconnected)
			break
		}
	}
	b.agents = append(b.agents, agent)
	b.mu.Unlock()

	b.logger.Info("agent registered",
		"agent_id", agent.id,
		"tool", agent.tool,
		"capabilities", len(agent.capabilities),
	)

	stopPing := make(chan struct{})
	go b.pingLoop(agent, stopPing)

	b.readLoop(agent)
	close(stopPing)
	b.remove(agent)
}

// Execute sends a tool invocation to the first connected agent
// advertising toolName and waits for the correlated response.
// timeout <= 0 uses the bridge default. The timeout cancels only this
// wait; the remote side's in-flight work is not cancelled.
func (b *Bridge) Execute(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (string, error) {
	agent := b.agentFor(toolName)
	if agent == nil {
		return "", fmt.Errorf("%w: %s", ErrNoAgent, toolName)
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	requestID := uuid.NewString()
	ch := make(chan execResult, 1)

	agent.pendingMu.Lock()
	agent.pending[requestID] = ch
	agent.pendingMu.Unlock()

	removePending := func() {
		agent.pendingMu.Lock()
		delete(agent.pending, requestID)
		agent.pendingMu.Unlock()
	}

	err := agent.writeFrame(frame{
		Type:      frameExecuteRequest,
		RequestID: requestID,
		ToolName:  toolName,
		Arguments: args,
	})
	if err != nil {
		removePending()
		return "", fmt.Errorf("send request to agent %s: %w", agent.id, err)
	}

	b.logger.Debug("remote execution dispatched",
		"agent_id", agent.id,
		"tool", toolName,
		"request_id", requestID,
		"timeout", timeout,
	)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return res.result, nil
	case <-waitCtx.Done():
		removePending()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, toolName, timeout)
	}
}

// agentFor returns the first-registered agent advertising toolName.
func (b *Bridge) agentFor(toolName string) *agentConn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.agents {
		if a.tool == toolName {
			return a
		}
	}
	return nil
}

// HasTool reports whether any connected agent advertises toolName.
func (b *Bridge) HasTool(toolName string) bool {
	if b == nil {
		return false
	}
	return b.agentFor(toolName) != nil
}

// RemoteTools returns the distinct tool names advertised by connected
// agents, in registration order.
func (b *Bridge) RemoteTools() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool, len(b.agents))
	var tools []string
	for _, a := range b.agents {
		if !seen[a.tool] {
			seen[a.tool] = true
			tools = append(tools, a.tool)
		}
	}
	return tools
}

// Agents returns a snapshot of all connected agents.
func (b *Bridge) Agents() []AgentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AgentInfo, 0, len(b.agents))
	for _, a := range b.agents {
		a.pendingMu.Lock()
		pending := len(a.pending)
		a.pendingMu.Unlock()
		out = append(out, AgentInfo{
			ID:           a.id,
			Tool:         a.tool,
			Capabilities: a.capabilities,
			ConnectedAt:  a.connectedAt,
			Pending:      pending,
		})
	}
	return out
}

// readLoop consumes frames until the connection dies.
func (b *Bridge) readLoop(agent *agentConn) {
	for {
		var f frame
		if err := agent.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Info("agent closed connection", "agent_id", agent.id)
			} else {
				b.logger.Warn("agent read error", "agent_id", agent.id, "error", err)
			}
			return
		}
		// Any inbound frame proves liveness.
		_ = agent.conn.SetReadDeadline(time.Now().Add(2 * b.pingInterval))

		switch f.Type {
		case frameExecuteResponse:
			b.resolve(agent, f)

		case framePing:
			_ = agent.writeFrame(frame{Type: framePong})

		case framePong:
			// Liveness already noted above.

		default:
			b.logger.Debug("unhandled agent frame", "agent_id", agent.id, "type", f.Type)
		}
	}
}

// resolve routes a response frame to its waiting caller. Responses with
// no matching pending request (late arrivals after timeout) are dropped.
func (b *Bridge) resolve(agent *agentConn, f frame) {
	agent.pendingMu.Lock()
	ch, ok := agent.pending[f.RequestID]
	delete(agent.pending, f.RequestID)
	agent.pendingMu.Unlock()

	if !ok {
		b.logger.Debug("response for unknown request", "agent_id", agent.id, "request_id", f.RequestID)
		return
	}

	if f.Success != nil && !*f.Success {
		ch <- execResult{err: fmt.Errorf("remote tool failed: %s", f.Result)}
		return
	}
	ch <- execResult{result: f.Result}
}

// pingLoop sends heartbeat frames until told to stop. A write failure
// ends the loop; the read loop observes the dead connection shortly after.
func (b *Bridge) pingLoop(agent *agentConn, stop <-chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := agent.writeFrame(frame{Type: framePing}); err != nil {
				b.logger.Debug("heartbeat write failed", "agent_id", agent.id, "error", err)
				return
			}
		}
	}
}

// remove tears an agent out of the table and resolves its pending
// requests with a disconnect failure.
func (b *Bridge) remove(agent *agentConn) {
	b.mu.Lock()
	for i, a := range b.agents {
		if a == agent {
			b.agents = append(b.agents[:i], b.agents[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	agent.conn.Close()
	agent.failAllPending(ErrAgentDisconnected)

	b.logger.Info("agent removed", "agent_id", agent.id, "tool", agent.tool)
}
