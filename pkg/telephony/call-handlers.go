package telephony

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/birddigital/browser-phone-bridge/pkg/signalwire"
)

// ============================================
// CALL HANDLERS
// HTTP endpoints for the browser client and carrier webhooks
// ============================================

const (
	PathCalls           = "/api/calls"
	PathCallEvents      = "/api/calls/events"
	PathToken           = "/api/token"
	PathAccount         = "/api/account"
	PathVoiceOutbound   = "/api/voice/outbound"
	PathVoiceIncoming   = "/api/voice/incoming"
	PathVoiceDialStatus = "/api/voice/dial-status"
	PathVoiceStatus     = "/api/voice/status"

	maxRequestBody = 1 << 20
)

// TokenIssuer signs browser capability tokens
type TokenIssuer interface {
	Issue(identity string) (*signalwire.WebRTCToken, error)
}

// HandlerConfig configures CallHandlers
type HandlerConfig struct {
	// PublicURL is the externally reachable base for carrier callbacks.
	// When empty it is derived from each request.
	PublicURL string

	// DefaultIdentity is issued tokens when the browser does not ask for one.
	DefaultIdentity string

	// WebhookAuthToken enables signature validation on /api/voice routes.
	WebhookAuthToken string
}

// CallHandlers manages HTTP endpoints for call control
type CallHandlers struct {
	orchestrator *CallOrchestrator
	tokens       TokenIssuer
	events       http.Handler
	cfg          HandlerConfig
	logger       *slog.Logger
}

// NewCallHandlers creates a new call handlers instance. tokens and events may be nil.
func NewCallHandlers(orchestrator *CallOrchestrator, tokens TokenIssuer, events http.Handler, cfg HandlerConfig, logger *slog.Logger) *CallHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &CallHandlers{
		orchestrator: orchestrator,
		tokens:       tokens,
		events:       events,
		cfg:          cfg,
		logger:       logger.With("component", "CallHandlers"),
	}
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	// Browser API
	mux.HandleFunc("POST "+PathCalls, h.HandlePlaceCall)
	mux.HandleFunc("GET "+PathCalls, h.HandleListCalls)
	mux.HandleFunc("GET "+PathCalls+"/stats", h.HandleStatistics)
	mux.HandleFunc("GET "+PathCalls+"/oldest", h.HandleOldestCall)
	mux.HandleFunc("GET "+PathCalls+"/{id}", h.HandleCallDetails)
	mux.HandleFunc("POST "+PathCalls+"/{id}/end", h.HandleEndCall)
	mux.HandleFunc("GET "+PathToken, h.HandleToken)
	mux.HandleFunc("GET "+PathAccount, h.HandleAccount)
	if h.events != nil {
		mux.Handle("GET "+PathCallEvents, h.events)
	}

	// LaML webhooks
	mux.Handle("POST "+PathVoiceOutbound, h.verifyWebhook(http.HandlerFunc(h.HandleOutboundCall)))
	mux.Handle("POST "+PathVoiceIncoming, h.verifyWebhook(http.HandlerFunc(h.HandleIncomingCall)))
	mux.Handle("POST "+PathVoiceDialStatus, h.verifyWebhook(http.HandlerFunc(h.HandleDialStatus)))
	mux.Handle("POST "+PathVoiceStatus, h.verifyWebhook(http.HandlerFunc(h.HandleCallStatus)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	h.logger.Info("registered call handler routes")
}

// ============================================
// BROWSER API
// ============================================

type placeCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// HandlePlaceCall places an outbound call from a JSON or form body
func (h *CallHandlers) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req placeCallRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		req.To = r.FormValue("to")
		req.From = r.FormValue("from")
	}

	session, err := h.orchestrator.PlaceCall(r.Context(), req.To, req.From, h.callbackBase(r))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// HandleListCalls lists tracked calls, optionally filtered by ?status=
func (h *CallHandlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	registry := h.orchestrator.Registry()

	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeJSON(w, http.StatusOK, registry.List())
		return
	}
	status, ok := ParseCallStatus(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	writeJSON(w, http.StatusOK, registry.ListByStatus(status))
}

// HandleStatistics returns the live statistics snapshot
func (h *CallHandlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.Statistics())
}

// HandleOldestCall returns the longest-tracked call
func (h *CallHandlers) HandleOldestCall(w http.ResponseWriter, r *http.Request) {
	session, ok := h.orchestrator.Registry().Oldest()
	if !ok {
		writeError(w, http.StatusNotFound, "no active calls")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleCallDetails returns one call, asking the carrier when untracked.
// A carrier status outside the known set is reported as an empty "status".
func (h *CallHandlers) HandleCallDetails(w http.ResponseWriter, r *http.Request) {
	session, err := h.orchestrator.GetCallDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleEndCall hangs up a call
func (h *CallHandlers) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	ok := h.orchestrator.EndCall(r.Context(), r.PathValue("id"))
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]bool{"success": ok})
}

// HandleToken issues a capability token for the browser client
func (h *CallHandlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token issuing not configured")
		return
	}

	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		identity = h.cfg.DefaultIdentity
	}
	if identity == "" || !clientIdentityPattern.MatchString(identity) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}

	token, err := h.tokens.Issue(identity)
	if err != nil {
		h.logger.Error("failed to issue token", "identity", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// HandleAccount reports carrier account health
func (h *CallHandlers) HandleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.orchestrator.AccountStatus(r.Context())
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"friendlyName": account.FriendlyName,
		"status":       account.Status,
	})
}

// ============================================
// LAML WEBHOOKS
// ============================================

// HandleOutboundCall returns the dial document for a browser-originated call
func (h *CallHandlers) HandleOutboundCall(w http.ResponseWriter, r *http.Request) {
	writeMarkup(w, h.orchestrator.OutboundDocument(webhookParam(r, "To"), webhookParam(r, "From")))
}

// HandleIncomingCall connects a phone caller to a browser client
func (h *CallHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	doc := h.orchestrator.OnIncomingCall(r.Context(), IncomingCallEvent{
		CallSID: r.FormValue("CallSid"),
		From:    r.FormValue("From"),
		To:      r.FormValue("To"),
	}, h.callbackBase(r))
	writeMarkup(w, doc)
}

// HandleDialStatus closes an inbound call after its dial attempt
func (h *CallHandlers) HandleDialStatus(w http.ResponseWriter, r *http.Request) {
	writeMarkup(w, h.orchestrator.OnDialStatus(DialStatusEvent{
		DialCallStatus: r.FormValue("DialCallStatus"),
		CallSID:        r.FormValue("CallSid"),
	}))
}

// HandleCallStatus handles call state events from the carrier.
// The carrier ignores our response, so this always answers 204.
func (h *CallHandlers) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.Warn("unreadable status webhook", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	duration := r.PostFormValue("CallDuration")
	if duration == "" {
		duration = r.PostFormValue("Duration")
	}

	h.orchestrator.OnStatusUpdate(r.Context(), StatusEvent{
		CallSID:    r.PostFormValue("CallSid"),
		CallStatus: r.PostFormValue("CallStatus"),
		Duration:   duration,
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		Direction:  r.PostFormValue("Direction"),
	})
	w.WriteHeader(http.StatusNoContent)
}

// verifyWebhook rejects LaML webhooks whose signature does not match.
func (h *CallHandlers) verifyWebhook(next http.Handler) http.Handler {
	if h.cfg.WebhookAuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}

		signature := r.Header.Get(signalwire.SignatureHeader)
		if signature == "" {
			signature = r.Header.Get(signalwire.LegacySignatureHeader)
		}
		fullURL := h.callbackBase(r) + r.URL.RequestURI()
		if !signalwire.ValidateSignature(h.cfg.WebhookAuthToken, fullURL, r.PostForm, signature) {
			h.logger.Warn("webhook signature mismatch", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================
// HELPERS
// ============================================

// callbackBase is the externally visible scheme://host for carrier callbacks.
func (h *CallHandlers) callbackBase(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

func (h *CallHandlers) writeOrchestratorError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCarrierUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// webhookParam prefers the query string we set on the voice URL over the carrier's form body.
func webhookParam(r *http.Request, key string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return r.PostFormValue(key)
}

func writeMarkup(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
