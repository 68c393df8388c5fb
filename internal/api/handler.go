// Package api serves timelock queries and action submission over HTTP.
package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/custody"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var ErrInvalidConfig = errors.New("api: invalid config")

type Config struct {
	// Senders maps execute bearer tokens to the sender identity they authenticate.
	Senders map[string]string
	// AdminToken enables instance creation over HTTP. Empty disables it.
	AdminToken string

	MaxBodyBytes int64
	NonceFn      func() (uint64, error)

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// Runtime is the read side and instance registry.
type Runtime interface {
	Instantiate(ctx context.Context, id string, msg timelock.InstantiateMsg, opts custody.InstantiateOptions) (custody.Instance, error)
	Instance(ctx context.Context, id string) (custody.Instance, error)
	Query(ctx context.Context, id string, msg timelock.QueryMsg) (any, error)
	Balance(ctx context.Context, id string) (coin.Coin, error)
}

// Actions applies envelopes; node.Processor implements it. HandleAuthenticated is used once the
// bearer token has identified the sender.
type Actions interface {
	Handle(ctx context.Context, env envelope.Envelope) (custody.Outcome, error)
	HandleAuthenticated(ctx context.Context, env envelope.Envelope) (custody.Outcome, error)
}

type handler struct {
	cfg     Config
	rt      Runtime
	actions Actions
	limiter *ipRateLimiter
}

func NewHandler(cfg Config, rt Runtime, actions Actions) (http.Handler, error) {
	if rt == nil || actions == nil {
		return nil, fmt.Errorf("%w: nil runtime or actions", ErrInvalidConfig)
	}
	for token, sender := range cfg.Senders {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(sender) == "" {
			return nil, fmt.Errorf("%w: empty sender token or identity", ErrInvalidConfig)
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.NonceFn == nil {
		cfg.NonceFn = randomNonce
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:     cfg,
		rt:      rt,
		actions: actions,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("PUT /v1/instances/{instance}", h.handleInstantiate)
	mux.HandleFunc("GET /v1/instances/{instance}", h.handleInstance)
	mux.HandleFunc("GET /v1/instances/{instance}/config", h.handleConfig)
	mux.HandleFunc("GET /v1/instances/{instance}/balance", h.handleBalance)
	mux.HandleFunc("GET /v1/instances/{instance}/withdrawal/ready-time", h.handleReadyTime)
	mux.HandleFunc("GET /v1/instances/{instance}/withdrawal/ready", h.handleReady)
	mux.HandleFunc("POST /v1/instances/{instance}/query", h.handleQuery)
	mux.HandleFunc("POST /v1/instances/{instance}/execute", h.handleExecute)
	mux.HandleFunc("POST /v1/instances/{instance}/sudo", h.handleSudo)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"status":  "ok",
	})
}

type instantiateRequest struct {
	timelock.InstantiateMsg
	Account   string `json:"account"`
	Authority string `json:"authority,omitempty"`
}

func (h *handler) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AdminToken == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "not_found",
		})
		return
	}
	if !checkBearer(r, h.cfg.AdminToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "unauthorized",
		})
		return
	}
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSONBody[instantiateRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}

	inst, err := h.rt.Instantiate(r.Context(), id, req.InstantiateMsg, custody.InstantiateOptions{
		Account:   req.Account,
		Authority: req.Authority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instanceJSON(inst))
}

func (h *handler) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	inst, err := h.rt.Instance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceJSON(inst))
}

func (h *handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, timelock.QueryMsg{GetConfig: &timelock.GetConfigQuery{}})
}

func (h *handler) handleReadyTime(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, timelock.QueryMsg{GetWithdrawalReadyTime: &timelock.GetWithdrawalReadyTimeQuery{}})
}

func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, timelock.QueryMsg{IsWithdrawalReady: &timelock.IsWithdrawalReadyQuery{}})
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	msg, err := timelock.ParseQueryMsg(body)
	if err != nil {
		writeError(w, err)
		return
	}
	h.query(w, r, msg)
}

// query answers with the raw query response, the same shape a chain smart query returns.
func (h *handler) query(w http.ResponseWriter, r *http.Request, msg timelock.QueryMsg) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	resp, err := h.rt.Query(r.Context(), id, msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	c, err := h.rt.Balance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"instance": id,
		"denom":    c.Denom,
		"amount":   c.Amount,
	})
}

type executeRequest struct {
	ID    string          `json:"id,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
	Msg   json.RawMessage `json:"msg"`
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.authenticateSender(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "unauthorized",
		})
		return
	}
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSONBody[executeRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}

	env := envelope.Envelope{
		Instance: id,
		Kind:     envelope.KindExecute,
		Sender:   sender,
		Msg:      req.Msg,
	}
	if strings.TrimSpace(req.ID) != "" {
		actionID, err := envelope.ParseID(req.ID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"version": "v1",
				"error":   "invalid_id",
			})
			return
		}
		env.ID = actionID
	} else {
		nonce, err := parseNonce(req.Nonce, h.cfg.NonceFn)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"version": "v1",
				"error":   "invalid_nonce",
			})
			return
		}
		env.ID = envelope.NewID(id, envelope.KindExecute, req.Msg, nonce)
	}

	out, err := h.actions.HandleAuthenticated(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(out))
}

// handleSudo accepts a complete signed envelope; the signature is the authentication.
func (h *handler) handleSudo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	env, err := envelope.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if env.Instance != id || env.Kind != envelope.KindSudo {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_envelope",
		})
		return
	}

	out, err := h.actions.Handle(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(out))
}

func (h *handler) instanceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("instance")
	if err := envelope.ValidateInstance(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_instance",
		})
		return "", false
	}
	return id, true
}

func (h *handler) authenticateSender(r *http.Request) (string, bool) {
	got, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	sender := ""
	for token, s := range h.cfg.Senders {
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			sender = s
		}
	}
	return sender, sender != ""
}

func checkBearer(r *http.Request, want string) bool {
	got, ok := bearerToken(r)
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// bearerToken parses an exact "Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got, got != ""
}

func instanceJSON(inst custody.Instance) map[string]any {
	out := map[string]any{
		"version":   "v1",
		"instance":  inst.ID,
		"account":   inst.Account,
		"authority": inst.Authority,
		"config":    inst.Config.Response(),
		"state":     inst.State.Status().String(),
		"createdAt": inst.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ready, ok := inst.State.ReadyTime(); ok {
		out["readyTime"] = ready.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func outcomeJSON(o custody.Outcome) map[string]any {
	out := map[string]any{
		"version":  "v1",
		"instance": o.Instance,
		"actionId": envelope.FormatID(o.ActionID),
		"action":   o.Action,
		"state":    o.State.Status().String(),
		"replayed": o.Replayed,
	}
	if ready, ok := o.State.ReadyTime(); ok {
		out["readyTime"] = ready.UTC().Format(time.RFC3339Nano)
	}
	if o.Record != nil {
		ins := o.Record.Instruction
		out["instruction"] = map[string]any{
			"seq":       strconv.FormatUint(o.Record.Seq, 10),
			"kind":      ins.Kind.String(),
			"recipient": ins.Recipient,
			"denom":     ins.Coin.Denom,
			"amount":    ins.Coin.Amount,
		}
	}
	return out
}

// writeError maps domain errors to stable status codes and error strings.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	body := map[string]any{"version": "v1"}

	var notReady *timelock.NotReadyError
	switch {
	case errors.Is(err, custody.ErrNotFound):
		status, code = http.StatusNotFound, "instance_not_found"
	case errors.Is(err, custody.ErrAlreadyInstantiated):
		status, code = http.StatusConflict, "already_instantiated"
	case errors.Is(err, custody.ErrActionMismatch):
		status, code = http.StatusConflict, "action_id_conflict"
	case errors.Is(err, custody.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, envelope.ErrInvalidInstance):
		status, code = http.StatusBadRequest, "invalid_instance"
	case errors.Is(err, envelope.ErrInvalidEnvelope):
		status, code = http.StatusBadRequest, "invalid_envelope"
	case errors.As(err, &notReady):
		status, code = http.StatusTooEarly, "not_ready_yet"
		body["readyTime"] = notReady.ReadyTime.UTC().Format(time.RFC3339Nano)
		body["remainingSeconds"] = int64(notReady.Remaining.Round(time.Second) / time.Second)
	default:
		code = timelock.Code(err)
		switch code {
		case "already_pending":
			status = http.StatusConflict
		case "no_withdrawal_pending":
			status = http.StatusNotFound
		case "not_ready_yet":
			status = http.StatusTooEarly
		case "insufficient_funds":
			status = http.StatusUnprocessableEntity
		case "unauthorized":
			status = http.StatusForbidden
		case "invalid_amount", "invalid_address", "invalid_message", "invalid_config":
			status = http.StatusBadRequest
		}
	}
	body["error"] = code
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"version": "v1",
				"error":   "body_too_large",
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_body",
		})
		return nil, false
	}
	return b, true
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil || dec.More() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func parseNonce(s string, fallback func() (uint64, error)) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback()
	}
	return strconv.ParseUint(s, 0, 64)
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
