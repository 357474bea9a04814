package gateway

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/marionette/pkg/automation"
)

// Router wires the HTTP surface: session lifecycle endpoints plus thin
// guarded pass-throughs to the engine's chat operations. Handlers translate
// the manager's structured results into status codes; they hold no state of
// their own.
type Router struct {
	mux     *http.ServeMux
	cfg     *Config
	manager *SessionManager
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewRouter(cfg *Config, manager *SessionManager) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		manager: manager,
		logger:  log.With().Str("component", "gateway-router").Logger(),
	}
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		perSecond := rate.Limit(float64(cfg.RateLimitMax) / cfg.RateLimitWindow.Seconds())
		r.limiter = rate.NewLimiter(perSecond, cfg.RateLimitMax)
	}
	r.registerRoutes()
	return r
}

func (r *Router) Handler() http.Handler { return r.logRequests(r.mux) }

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /ping", r.handlePing)

	// session lifecycle
	session := func(h http.HandlerFunc) http.HandlerFunc {
		return r.rateLimit(r.requireAPIKey(r.requireValidSessionID(h)))
	}
	r.mux.HandleFunc("GET /session/start/{sessionId}", session(r.handleStartSession))
	r.mux.HandleFunc("GET /session/status/{sessionId}", session(r.handleSessionStatus))
	r.mux.HandleFunc("GET /session/qr/{sessionId}", session(r.handleSessionQR))
	r.mux.HandleFunc("GET /session/restart/{sessionId}", session(r.handleRestartSession))
	r.mux.HandleFunc("GET /session/terminate/{sessionId}", session(r.handleTerminateSession))
	r.mux.HandleFunc("GET /session/terminateInactive", r.rateLimit(r.requireAPIKey(r.handleTerminateInactive)))
	r.mux.HandleFunc("GET /session/terminateAll", r.rateLimit(r.requireAPIKey(r.handleTerminateAll)))

	// guarded client operations
	guarded := func(h http.HandlerFunc) http.HandlerFunc {
		return r.rateLimit(r.requireAPIKey(r.requireValidSessionID(r.requireConnected(h))))
	}
	r.mux.HandleFunc("POST /client/sendMessage/{sessionId}", guarded(r.handleSendMessage))
	r.mux.HandleFunc("GET /client/getChats/{sessionId}", guarded(r.handleGetChats))
	r.mux.HandleFunc("POST /client/getChatById/{sessionId}", guarded(r.handleGetChatByID))
	r.mux.HandleFunc("GET /client/getContacts/{sessionId}", guarded(r.handleGetContacts))
	r.mux.HandleFunc("POST /client/createGroup/{sessionId}", guarded(r.handleCreateGroup))
	r.mux.HandleFunc("POST /client/isRegisteredUser/{sessionId}", guarded(r.handleIsRegisteredUser))
	r.mux.HandleFunc("POST /client/sendSeen/{sessionId}", guarded(r.handleSendSeen))
	r.mux.HandleFunc("GET /client/getState/{sessionId}", session(r.handleGetState))
}

func (r *Router) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "pong"})
}

func (r *Router) handleStartSession(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionId")
	result := r.manager.StartSession(sessionID)
	if !result.Success {
		writeError(w, http.StatusInternalServerError, result.Message)
		return
	}
	// The handle exists already; waiting for construction is bounded and a
	// timeout does not destroy the session, it may still become ready later.
	if err := result.Session.Client.AwaitConstructed(req.Context(), r.cfg.ConstructTimeout); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": result.Message})
}

func (r *Router) handleSessionStatus(w http.ResponseWriter, req *http.Request) {
	v := r.manager.ValidateSession(req.Context(), req.PathValue("sessionId"))
	writeJSON(w, http.StatusOK, v)
}

func (r *Router) handleSessionQR(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.manager.Get(req.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, MsgSessionNotFound)
		return
	}
	qr := sess.Client.QR()
	if qr == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "qr code not ready or already scanned"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "qr": qr})
}

func (r *Router) handleRestartSession(w http.ResponseWriter, req *http.Request) {
	result, err := r.manager.RestartSession(req.Context(), req.PathValue("sessionId"))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, MsgSessionNotFound)
		return
	}
	if !result.Success {
		writeError(w, http.StatusInternalServerError, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Restarted successfully"})
}

func (r *Router) handleTerminateSession(w http.ResponseWriter, req *http.Request) {
	err := r.manager.TerminateSession(req.Context(), req.PathValue("sessionId"))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, MsgSessionNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (r *Router) handleTerminateInactive(w http.ResponseWriter, req *http.Request) {
	if err := r.manager.FlushSessions(req.Context(), true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Flush completed successfully"})
}

func (r *Router) handleTerminateAll(w http.ResponseWriter, req *http.Request) {
	if err := r.manager.FlushSessions(req.Context(), false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Flush completed successfully"})
}

// client returns the engine handle for a guarded route. The guard already
// validated presence; a vanished session between guard and handler is a 404.
func (r *Router) client(w http.ResponseWriter, req *http.Request) (automation.Client, bool) {
	sess, ok := r.manager.Get(req.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, MsgSessionNotFound)
		return nil, false
	}
	return sess.Client, true
}

func (r *Router) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	var body struct {
		ChatID  string `json:"chatId"`
		Content string `json:"content"`
	}
	if err := decodeBody(req, &body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId and content are required")
		return
	}
	msg, err := client.SendMessage(req.Context(), body.ChatID, body.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (r *Router) handleGetChats(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	chats, err := client.GetChats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chats": chats})
}

func (r *Router) handleGetChatByID(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	var body struct {
		ChatID string `json:"chatId"`
	}
	if err := decodeBody(req, &body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	chat, err := client.GetChatByID(req.Context(), body.ChatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chat": chat})
}

func (r *Router) handleGetContacts(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	contacts, err := client.GetContacts(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "contacts": contacts})
}

func (r *Router) handleCreateGroup(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	var body struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := decodeBody(req, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name and participants are required")
		return
	}
	group, err := client.CreateGroup(req.Context(), body.Name, body.Participants)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "group": group})
}

func (r *Router) handleIsRegisteredUser(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(req, &body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	registered, err := client.IsRegisteredUser(req.Context(), body.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": registered})
}

func (r *Router) handleSendSeen(w http.ResponseWriter, req *http.Request) {
	client, ok := r.client(w, req)
	if !ok {
		return
	}
	var body struct {
		ChatID string `json:"chatId"`
	}
	if err := decodeBody(req, &body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	if err := client.SendSeen(req.Context(), body.ChatID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": true})
}

// handleGetState reports raw engine state; unlike the guarded operations it
// only needs the session to exist.
func (r *Router) handleGetState(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.manager.Get(req.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, MsgSessionNotFound)
		return
	}
	state, err := sess.Client.State(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": state})
}
