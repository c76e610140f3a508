package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/store"
	"go.uber.org/zap"
)

//go:embed static
var staticFiles embed.FS

const (
	webUIChannelName   = "webui"
	defaultHistoryPage = 50
	maxHistoryPage     = 500
	sayTimeout         = 10 * time.Second
	toggleFlushTimeout = 2 * time.Second
	TagOperator        = "operator"
)

// ProfileSource is the read side the observation surface lists from.
type ProfileSource interface {
	Get(handle string) store.UserProfile
	AllProfiles() ([]store.ProfileSummary, error)
	History(handle string, limit int) ([]store.InteractionRecord, error)
	Stats() (store.Stats, error)
}

// IntentSubmitter queues a write for the single writer.
type IntentSubmitter interface {
	Submit(store.WriteIntent) error
}

type sayRequest struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

// flusher is implemented by writers that can wait for queued intents.
type flusher interface {
	Flush(ctx context.Context) error
}

// targetRequest is optional. Without a body the flag is flipped by the writer.
type targetRequest struct {
	Targeted *bool `json:"targeted"`
}

type targetResponse struct {
	Handle   string `json:"handle"`
	Targeted bool   `json:"targeted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WebUI serves the observation surface: profile listings, history, stats,
// manual targeting and a live notification stream over websocket.
type WebUI struct {
	host   string
	port   int
	source ProfileSource
	writer IntentSubmitter
	bus    *bus.MessageBus
	logger *zap.Logger
	now    func() time.Time

	server   *http.Server
	listener net.Listener
	connsMu  sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

func NewWebUI(cfg config.WebUIConfig, source ProfileSource, writer IntentSubmitter, b *bus.MessageBus, logger *zap.Logger) (*WebUI, error) {
	if source == nil || writer == nil || b == nil {
		return nil, errors.New("webui needs a profile source, a writer and a bus")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	host := cfg.Host
	if host == "" {
		host = config.DefaultHost
	}
	return &WebUI{
		host:   host,
		port:   port,
		source: source,
		writer: writer,
		bus:    b,
		logger: logger.Named("webui"),
		now:    time.Now,
		conns:  make(map[*websocket.Conn]struct{}),
	}, nil
}

func (w *WebUI) Name() string { return webUIChannelName }

// Handler returns the surface's routes.
func (w *WebUI) Handler() http.Handler {
	mux := http.NewServeMux()
	if staticFS, err := fs.Sub(staticFiles, "static"); err == nil {
		mux.Handle("GET /", http.FileServer(http.FS(staticFS)))
	}
	mux.HandleFunc("GET /api/users", w.handleUsers)
	mux.HandleFunc("GET /api/users/{handle}", w.handleUser)
	mux.HandleFunc("GET /api/users/{handle}/history", w.handleHistory)
	mux.HandleFunc("POST /api/users/{handle}/target", w.handleToggleTarget)
	mux.HandleFunc("GET /api/stats", w.handleStats)
	mux.HandleFunc("POST /api/say", w.handleSay)
	mux.HandleFunc("GET /ws", w.handleWS)
	return mux
}

func (w *WebUI) Start(ctx context.Context) error {
	addr := net.JoinHostPort(w.host, strconv.Itoa(w.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		w.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address once started.
func (w *WebUI) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *WebUI) Stop() error {
	// Hijacked websocket connections are not tracked by Shutdown.
	w.connsMu.Lock()
	for c := range w.conns {
		c.CloseNow()
	}
	w.connsMu.Unlock()

	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	w.logger.Info("stopped")
	return nil
}

func (w *WebUI) handleUsers(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SummaryFilter{
		AgeBracket: q.Get("age"),
		Search:     q.Get("search"),
	}
	for _, g := range q["gender"] {
		for _, part := range strings.Split(g, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Genders = append(filter.Genders, part)
			}
		}
	}
	if err := filter.Validate(); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	all, err := w.source.AllProfiles()
	if err != nil {
		w.logger.Error("list profiles failed", zap.Error(err))
		writeJSON(rw, http.StatusInternalServerError, errorResponse{Error: "list profiles failed"})
		return
	}
	writeJSON(rw, http.StatusOK, filter.Apply(all))
}

func (w *WebUI) handleUser(rw http.ResponseWriter, r *http.Request) {
	p := w.source.Get(r.PathValue("handle"))
	if p.CreatedAt.IsZero() && p.LastSeen.IsZero() {
		writeJSON(rw, http.StatusNotFound, errorResponse{Error: "unknown handle"})
		return
	}
	writeJSON(rw, http.StatusOK, p.Summary())
}

func (w *WebUI) handleHistory(rw http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryPage
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryPage)
	}
	records, err := w.source.History(r.PathValue("handle"), limit)
	if err != nil {
		w.logger.Error("history failed", zap.Error(err))
		writeJSON(rw, http.StatusInternalServerError, errorResponse{Error: "history failed"})
		return
	}
	if records == nil {
		records = []store.InteractionRecord{}
	}
	writeJSON(rw, http.StatusOK, records)
}

func (w *WebUI) handleToggleTarget(rw http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	intent := store.ToggleTargeted(handle, w.now())
	next := !w.source.Get(handle).Targeted
	if req.Targeted != nil {
		next = *req.Targeted
		intent = store.SetTargeted(handle, next, w.now())
	}
	if err := w.writer.Submit(intent); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	// Report the applied state when the writer can be waited on.
	if f, ok := w.writer.(flusher); ok {
		ctx, cancel := context.WithTimeout(r.Context(), toggleFlushTimeout)
		err := f.Flush(ctx)
		cancel()
		if err == nil {
			next = w.source.Get(handle).Targeted
		} else {
			w.logger.Warn("toggle not yet applied", zap.String("handle", handle), zap.Error(err))
		}
	}

	w.bus.Notify(bus.Notification{
		Source:  bus.SourceSystem,
		Handle:  handle,
		Message: fmt.Sprintf("Ciblage manuel de %s: %t", handle, next),
	})
	writeJSON(rw, http.StatusAccepted, targetResponse{Handle: handle, Targeted: next})
}

func (w *WebUI) handleStats(rw http.ResponseWriter, r *http.Request) {
	stats, err := w.source.Stats()
	if err != nil {
		w.logger.Error("stats failed", zap.Error(err))
		writeJSON(rw, http.StatusInternalServerError, errorResponse{Error: "stats failed"})
		return
	}
	writeJSON(rw, http.StatusOK, stats)
}

func (w *WebUI) handleSay(rw http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	req.Target = strings.TrimSpace(req.Target)
	req.Message = strings.TrimSpace(req.Message)
	if req.Target == "" || req.Message == "" {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "target and message are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sayTimeout)
	defer cancel()
	if err := w.bus.Send(ctx, req.Target, req.Message); err != nil {
		w.bus.Notify(bus.Notification{
			Source:  bus.SourceError,
			Handle:  req.Target,
			Message: fmt.Sprintf("Échec de l'envoi à %s: %v", req.Target, err),
		})
		writeJSON(rw, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	if !isChannelName(req.Target) {
		rec := store.InteractionRecord{
			ID:        uuid.NewString(),
			Handle:    req.Target,
			Outbound:  req.Message,
			Timestamp: w.now(),
			Tag:       TagOperator,
		}
		if err := w.writer.Submit(store.AppendInteraction(rec)); err != nil {
			w.logger.Warn("operator message not recorded", zap.String("handle", req.Target), zap.Error(err))
		}
	}
	w.bus.Notify(bus.Notification{
		Source:  bus.SourceBot,
		Handle:  req.Target,
		Message: fmt.Sprintf("Message envoyé à %s: %s", req.Target, req.Message),
	})
	writeJSON(rw, http.StatusOK, map[string]string{"status": "sent"})
}

func (w *WebUI) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.logger.Warn("websocket accept error", zap.Error(err))
		return
	}
	w.connsMu.Lock()
	w.conns[conn] = struct{}{}
	w.connsMu.Unlock()

	sub, unsubscribe := w.bus.Subscribe(64)
	defer func() {
		unsubscribe()
		w.connsMu.Lock()
		delete(w.conns, conn)
		w.connsMu.Unlock()
		conn.CloseNow()
		w.logger.Debug("client disconnected")
	}()
	w.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	// The stream is one-way; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, n)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
