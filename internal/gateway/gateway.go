// Package gateway exposes the console over WebSocket JSON-RPC and a small
// REST surface. Agents push update events in; operator frontends drive the
// drill-down view and receive pushed view models.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/fleetdeck/internal/bus"
	"github.com/basket/fleetdeck/internal/journal"
	"github.com/basket/fleetdeck/internal/monitor"
	otelpkg "github.com/basket/fleetdeck/internal/otel"
	"github.com/basket/fleetdeck/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 1004
)

type Config struct {
	Console *monitor.Console
	Bus     *bus.Bus
	Journal *journal.Journal // nil disables the sessions surface
	Logger  *slog.Logger

	// AuthToken guards every endpoint except /healthz. Empty means the
	// gateway is open, which is only sane bound to loopback.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// Tracer spans inbound RPC calls; nil means no tracing.
	Tracer trace.Tracer

	// Metrics, when set, records request and ingest durations.
	Metrics *otelpkg.Metrics
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *envelopeValidator

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	forwardOnce   sync.Once
	forwardCancel context.CancelFunc
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
	watching   bool // receives console.view.changed pushes
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("fleetdeck/gateway")
	}
	v, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "gateway"),
		validator: v,
		clients:   map[*client]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.timed("/healthz", s.handleHealthz))
	mux.HandleFunc("/api/updates", s.timed("/api/updates", s.handleAPIUpdates))
	mux.HandleFunc("/api/view", s.timed("/api/view", s.handleAPIView))
	mux.HandleFunc("/api/stats", s.timed("/api/stats", s.handleAPIStats))
	mux.HandleFunc("/api/sessions", s.timed("/api/sessions", s.handleAPISessions))
	mux.HandleFunc("/api/stream", s.handleStream)

	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	return cors(RequestSizeLimitMiddleware(0)(mux))
}

// timed wraps an HTTP handler with request-duration recording. The WS and
// SSE endpoints stay unwrapped: connection lifetime is not a request
// duration.
func (s *Server) timed(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRequest(route, time.Since(start).Seconds())
		}
	}
}

// Close stops the bus forwarder started by the first watching client.
func (s *Server) Close() {
	if s.forwardCancel != nil {
		s.forwardCancel()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	stats := s.cfg.Console.Stats()
	payload := map[string]any{
		"healthy":         true,
		"entity_count":    s.cfg.Console.EntityCount(),
		"pending_updates": s.cfg.Console.PendingUpdates(),
		"active_agents":   stats.ActiveAgents,
		"total_agents":    stats.TotalAgents,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleAPIView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Console.ViewModel())
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Console.Stats())
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	sessions, err := s.cfg.Journal.Sessions(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	clientID := shared.NewTraceID()
	ctx := shared.WithClientID(r.Context(), clientID)
	s.logger.Info("ws: client connected", "client_id", clientID)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "client_id", clientID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("ws: read error, closing", "client_id", clientID, "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "update.push", "console.clear_completed_agents", "console.batch_todo",
		"console.remove_entity":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	ctx, span := otelpkg.StartServerSpan(ctx, s.cfg.Tracer, "rpc."+req.Method,
		otelpkg.AttrClientID.String(shared.ClientID(ctx)))
	defer span.End()
	if s.cfg.Metrics != nil {
		start := time.Now()
		defer func() {
			s.cfg.Metrics.RecordRequest("rpc."+req.Method, time.Since(start).Seconds())
		}()
	}

	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "fleetdeck",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}
	case "system.status":
		stats := s.cfg.Console.Stats()
		status := map[string]any{
			"entity_count":    s.cfg.Console.EntityCount(),
			"pending_updates": s.cfg.Console.PendingUpdates(),
			"active_agents":   stats.ActiveAgents,
			"total_agents":    stats.TotalAgents,
			"completion_rate": stats.GlobalRate,
			"time":            time.Now().UTC(),
		}
		if s.cfg.Journal != nil {
			status["session_id"] = s.cfg.Journal.SessionID()
		}
		result = status
	case "update.push":
		res, err := s.ingestRaw(req.Params)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = res
	case "console.view":
		result = s.cfg.Console.ViewModel()
	case "console.watch":
		c.markWatching()
		s.startForwarder()
		result = map[string]any{"watching": true}
	case "console.select_agent":
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "agent_id required"}
			break
		}
		if err := s.cfg.Console.SelectAgent(p.AgentID); err != nil {
			rpcErr = selectionError(err)
			break
		}
		result = s.cfg.Console.ViewModel()
	case "console.select_task_node":
		var p struct {
			TaskNodeID string `json:"task_node_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskNodeID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_node_id required"}
			break
		}
		if err := s.cfg.Console.SelectTaskNode(p.TaskNodeID); err != nil {
			rpcErr = selectionError(err)
			break
		}
		result = s.cfg.Console.ViewModel()
	case "console.back":
		s.cfg.Console.GoBack()
		result = s.cfg.Console.ViewModel()
	case "console.reset":
		s.cfg.Console.Reset()
		result = s.cfg.Console.ViewModel()
	case "console.set_todo_view":
		var p struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if err := s.cfg.Console.SetTodoView(p.Mode); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = s.cfg.Console.ViewModel()
	case "console.set_todo_sort":
		var p struct {
			Field string `json:"field"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if err := s.cfg.Console.SetTodoSort(p.Field); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = s.cfg.Console.ViewModel()
	case "console.set_todo_search":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		s.cfg.Console.SetTodoSearch(p.Text)
		result = s.cfg.Console.ViewModel()
	case "console.clear_completed_agents":
		removed := s.cfg.Console.ClearCompletedAgents()
		result = map[string]any{"removed": removed, "count": len(removed)}
	case "console.batch_todo":
		var p struct {
			TaskNodeID string   `json:"task_node_id"`
			TodoIDs    []string `json:"todo_ids"`
			Op         string   `json:"op"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskNodeID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_node_id required"}
			break
		}
		n, err := s.cfg.Console.BatchTodoOperation(p.TaskNodeID, p.TodoIDs, monitor.BatchOp(p.Op))
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = map[string]any{"affected": n}
	case "console.remove_entity":
		var p struct {
			Kind string `json:"kind"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "kind and id required"}
			break
		}
		removed := s.cfg.Console.RemoveEntity(monitor.Kind(p.Kind), p.ID)
		result = map[string]any{"removed": removed}
	case "session.list":
		if s.cfg.Journal == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "journal disabled"}
			break
		}
		sessions, err := s.cfg.Journal.Sessions(ctx, 20)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"sessions": sessions}
	case "session.updates":
		if s.cfg.Journal == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "journal disabled"}
			break
		}
		var p struct {
			SessionID string `json:"session_id"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
			break
		}
		entries, err := s.cfg.Journal.Entries(ctx, p.SessionID, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"updates": entries}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method " + req.Method}
	}

	if !hasID {
		return nil
	}
	resp := &rpcResponse{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func selectionError(err error) *rpcError {
	switch {
	case errors.Is(err, monitor.ErrUnknownAgent),
		errors.Is(err, monitor.ErrUnknownTaskNode):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
}

// startForwarder launches the single bus listener that pushes view model
// changes to watching clients. Idempotent.
func (s *Server) startForwarder() {
	s.forwardOnce.Do(func() {
		if s.cfg.Bus == nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.forwardCancel = cancel
		sub := s.cfg.Bus.Subscribe(bus.TopicViewChanged)
		go func() {
			defer s.cfg.Bus.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					vm, ok := ev.Payload.(monitor.ViewModel)
					if !ok {
						continue
					}
					s.broadcastToWatchers("console.view.changed", vm)
				}
			}
		}()
	})
}

func (s *Server) broadcastToWatchers(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if !c.isWatching() {
			continue
		}
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Debug("ws: push write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (c *client) markWatching() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = true
}

func (c *client) isWatching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watching
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}
