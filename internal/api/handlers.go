package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"wallstreetsim/internal/actions"
	"wallstreetsim/internal/auth"
	"wallstreetsim/internal/book"
	"wallstreetsim/internal/bus"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/metrics"
	"wallstreetsim/internal/ratelimit"
	"wallstreetsim/internal/sim"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/world"
	"wallstreetsim/pkg/types"
)

// Starting balances for newly registered agents.
var (
	startingCash       = decimal.NewFromInt(100_000)
	startingReputation = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers holds every ingress dependency.
type Handlers struct {
	cfg       *config.Config
	store     store.Gateway
	creds     *auth.Service
	processor *actions.Processor
	world     *world.State
	engine    *book.Engine
	hub       *bus.Hub
	scheduler *sim.Scheduler
	limiter   *ratelimit.PerAgent
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHandlers wires the handler set. scheduler may be nil when stepped
// mode is off.
func NewHandlers(cfg *config.Config, gw store.Gateway, creds *auth.Service,
	processor *actions.Processor, w *world.State, engine *book.Engine,
	hub *bus.Hub, scheduler *sim.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		store:     gw,
		creds:     creds,
		processor: processor,
		world:     w,
		engine:    engine,
		hub:       hub,
		scheduler: scheduler,
		limiter:   ratelimit.NewPerAgent(cfg.Limits.ActionsBurst, cfg.Limits.ActionsPerSecond),
		metrics:   m,
		logger:    logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// bearer extracts the Authorization bearer credential.
func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// authenticate resolves the request's agent from an API key or a session
// token.
func (h *Handlers) authenticate(r *http.Request) (*types.Agent, error) {
	cred := bearer(r)
	if cred == "" {
		return nil, fmt.Errorf("missing credentials")
	}
	if strings.HasPrefix(cred, "wss_") {
		agent, err := h.store.GetAgentByAPIKeyDigest(r.Context(), h.creds.DigestAPIKey(cred))
		if err != nil {
			return nil, fmt.Errorf("invalid api key")
		}
		return agent, nil
	}
	agentID, err := h.creds.VerifySession(cred)
	if err != nil {
		return nil, fmt.Errorf("invalid session token")
	}
	agent, err := h.store.GetAgent(r.Context(), agentID)
	if err != nil {
		return nil, fmt.Errorf("unknown agent")
	}
	return agent, nil
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tick":   h.world.Tick(),
	})
}

type registerRequest struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// HandleRegister creates an agent and returns its credentials. The API key
// and webhook secret appear in this response and nowhere else.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	role := types.AgentRole(req.Role)
	if role == "" {
		role = types.RoleRetail
	}

	apiKey, digest, err := h.creds.IssueAPIKey()
	if err != nil {
		h.logger.Error("failed to issue api key", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "key generation failed")
		return
	}
	webhookSecret, err := h.creds.NewWebhookSecret()
	if err != nil {
		h.logger.Error("failed to issue webhook secret", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "secret generation failed")
		return
	}

	agent := &types.Agent{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(req.Name),
		Role:          role,
		Status:        types.AgentActive,
		Cash:          startingCash,
		Reputation:    startingReputation,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: webhookSecret,
		CreatedAt:     time.Now(),
	}
	if err := h.store.CreateAgent(r.Context(), agent, digest); err != nil {
		h.logger.Error("failed to create agent", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "registration failed")
		return
	}

	h.logger.Info("agent registered", "agent", agent.ID, "role", role)
	writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":       agent.ID,
		"apiKey":        apiKey,
		"webhookSecret": webhookSecret,
	})
}

// HandleVerify checks a credential and mints a session token.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	agent, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}
	token, err := h.creds.SignSession(agent.ID)
	if err != nil {
		h.logger.Error("failed to sign session", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"agentId": agent.ID,
		"token":   token,
	})
}

type actionsRequest struct {
	Actions []actions.Request `json:"actions"`
}

// HandleActions processes a batch of up to MAX_ACTIONS_PER_REQUEST agent
// actions in submission order. Per-action failures land in the results
// array, not the HTTP status.
func (h *Handlers) HandleActions(w http.ResponseWriter, r *http.Request) {
	agent, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	if ok, wait := h.limiter.Allow(agent.ID); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "action rate limit exceeded")
		return
	}

	var req actionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed body")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "no actions submitted")
		return
	}
	if len(req.Actions) > h.cfg.Limits.ActionsPerRequest {
		writeError(w, http.StatusBadRequest, "TOO_MANY_ACTIONS",
			fmt.Sprintf("at most %d actions per request", h.cfg.Limits.ActionsPerRequest))
		return
	}

	results := make([]actions.Result, 0, len(req.Actions))
	for _, ar := range req.Actions {
		// Reload so one action's status change governs the next.
		fresh, err := h.store.GetAgent(r.Context(), agent.ID)
		if err != nil {
			fresh = agent
		}
		res := h.processor.Process(r.Context(), actions.Ctx{
			AgentID: agent.ID,
			Agent:   fresh,
			Tick:    h.world.Tick(),
		}, ar)
		if h.metrics != nil {
			h.metrics.ObserveAction(ar.Type, res.Success)
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleStep advances one tick when the scheduler runs in stepped mode.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil || !h.cfg.Flags.Stepped {
		writeError(w, http.StatusConflict, "NOT_STEPPED", "scheduler is not in stepped mode")
		return
	}
	tick, err := h.scheduler.Step(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STEP_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tick": tick})
}

// HandleWebSocket upgrades to the realtime socket. AUTH and subscriptions
// happen over the socket itself.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	bus.NewClient(h.hub, conn)
}
