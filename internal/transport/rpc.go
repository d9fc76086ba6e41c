// Package transport implements the sole wire encoding this system uses for
// every RPC, including the overlay's own PING/FIND_NODE: JSON-RPC 2.0 over
// HTTP, CORS enabled, binary framing never negotiated. Every request's
// params and every response's result pass through a SignVerifier before
// transmission and after receipt, so callers never see an unauthenticated
// message.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/ratelimit"
)

// ErrRemoteError wraps a Call error that carries a real JSON-RPC error
// response from the remote method handler, as opposed to a failure to
// reach it at all (dial, timeout, malformed response). Callers can use
// errors.Is to tell "the peer answered and refused" from "the peer never
// answered".
var ErrRemoteError = errors.New("transport: remote returned an error")

// SignVerifier is the MessageAuth surface the transport wraps every
// send/receive with. internal/rpcauth.Hooks implements this.
type SignVerifier interface {
	Sign(msgID string, body json.RawMessage) (json.RawMessage, error)
	Verify(msgID string, body json.RawMessage, claimed identity.NodeID) error
}

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInternal       = -32000
)

// Handler processes one method's already-verified params and returns the
// (not yet signed) result to place in the response.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Server exposes a single JSON-RPC 2.0 endpoint with CORS enabled.
type Server struct {
	hooks SignVerifier
	log   *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]Handler

	httpServer *http.Server
	addr       string

	limitRate   int
	limitWindow time.Duration
	limitersMu  sync.Mutex
	limiters    map[identity.NodeID]*ratelimit.Limiter
}

// NewServer constructs a Server bound to addr. It does not start listening
// until Start is called.
func NewServer(addr string, hooks SignVerifier, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		hooks:    hooks,
		log:      log,
		handlers: make(map[string]Handler),
		addr:     addr,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Register installs the handler for method.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// EnableRateLimit caps each claimed NodeID to rate requests per window,
// tracked independently per sender. Disabled (the default) until called.
func (s *Server) EnableRateLimit(rate int, window time.Duration) {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	s.limitRate = rate
	s.limitWindow = window
	s.limiters = make(map[identity.NodeID]*ratelimit.Limiter)
}

func (s *Server) allow(claimed identity.NodeID) bool {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if s.limiters == nil {
		return true
	}
	l, ok := s.limiters[claimed]
	if !ok {
		l = ratelimit.New(s.limitRate, s.limitWindow)
		s.limiters[claimed] = l
	}
	return l.Allow()
}

// Addr returns the configured bind address before Start, and the address
// actually bound (with any ephemeral port resolved) after it.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := newListener(s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr = ln.Addr().String()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("rpc server stopped")
		}
	}()
	return nil
}

// Close shuts the server down, waiting for in-flight requests to finish.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Malformed JSON is not an authentication failure; reply with a
		// JSON-RPC parse error rather than dropping silently.
		writeJSON(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found"}})
		return
	}

	claimed, err := extractClaimedNodeID(req.Params)
	if err != nil {
		s.log.WithError(err).Debug("dropping message with unextractable contact")
		return
	}

	if !s.allow(claimed) {
		s.log.WithField("node_id", claimed).Debug("rate limit exceeded, dropping")
		writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternal, Message: "rate limit exceeded"}})
		return
	}

	if err := s.hooks.Verify(req.ID, req.Params, claimed); err != nil {
		// Authentication failures are dropped silently: no reply, to avoid
		// turning this endpoint into a signature oracle.
		s.log.WithError(err).WithField("method", req.Method).Debug("auth failure, dropping")
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternal, Message: err.Error()}})
		return
	}
	if result == nil {
		result = json.RawMessage("{}")
	}

	signed, err := s.hooks.Sign(req.ID, result)
	if err != nil {
		s.log.WithError(err).Error("failed to sign response")
		writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternal, Message: "internal error"}})
		return
	}

	writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Result: signed})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// contactEnvelope is the shape every method's params object shares: a
// contact field identifying the sender, used to extract the claimed node
// id before the typed handler runs.
type contactEnvelope struct {
	Contact struct {
		NodeID identity.NodeID `json:"node_id"`
	} `json:"contact"`
}

func extractClaimedNodeID(params json.RawMessage) (identity.NodeID, error) {
	var env contactEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return identity.NodeID{}, fmt.Errorf("transport: decode contact: %w", err)
	}
	if env.Contact.NodeID.IsZero() {
		return identity.NodeID{}, fmt.Errorf("transport: params missing contact.node_id")
	}
	return env.Contact.NodeID, nil
}

// Client calls remote RPC endpoints, signing requests and verifying
// responses.
type Client struct {
	httpClient *http.Client
	hooks      SignVerifier
}

// NewClient constructs a Client.
func NewClient(hooks SignVerifier) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		hooks:      hooks,
	}
}

// Call invokes method on addr, signing params before sending and verifying
// the result against expectedNodeID before returning it.
func (c *Client) Call(ctx context.Context, addr, method string, params json.RawMessage, expectedNodeID identity.NodeID) (json.RawMessage, error) {
	id := uuid.New().String()

	signedParams, err := c.hooks.Sign(id, params)
	if err != nil {
		return nil, fmt.Errorf("transport: sign request: %w", err)
	}

	reqBody, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: signedParams})
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s returned error %d: %s", ErrRemoteError, method, resp.Error.Code, resp.Error.Message)
	}

	if err := c.hooks.Verify(id, resp.Result, expectedNodeID); err != nil {
		return nil, fmt.Errorf("transport: verify response from %s: %w", addr, err)
	}

	return resp.Result, nil
}
