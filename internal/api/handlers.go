package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/message-dispatcher/internal/cache"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
	"github.com/LeventeLantos/message-dispatcher/internal/repo"
	"github.com/LeventeLantos/message-dispatcher/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

type Dispatcher interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type Readiness interface {
	IsReady() bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, r service.Recipient, body string) (model.QueueEntry, error)
	EnqueueBulk(ctx context.Context, rs []service.Recipient, body string) ([]model.QueueEntry, error)
}

// Store is the read side of the queue plus runtime config writes.
type Store interface {
	Get(ctx context.Context, id int64) (model.QueueEntry, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueEntry, error)
	ListLog(ctx context.Context, limit, offset int) ([]model.LogEntry, error)
	Stats(ctx context.Context) (model.Stats, error)
	GetSessionState(ctx context.Context) (model.SessionState, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// Receipts looks up the provider receipt cached when a message was sent.
type Receipts interface {
	GetSent(ctx context.Context, queueID int64) (cache.Receipt, bool, error)
}

type Handler struct {
	disp     Dispatcher
	session  Readiness
	enq      Enqueuer
	store    Store
	receipts Receipts
	now      func() time.Time
}

func NewHandler(d Dispatcher, s Readiness, e Enqueuer, st Store) *Handler {
	return &Handler{disp: d, session: s, enq: e, store: st, now: time.Now}
}

// WithReceipts attaches cached send receipts to GetMessage responses.
func (h *Handler) WithReceipts(r Receipts) *Handler {
	h.receipts = r
	return h
}

type messageView struct {
	model.QueueEntry
	Receipt *cache.Receipt `json:"receipt,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ready := h.session.IsReady()
	status := "running"
	if ready {
		status = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"whatsapp_ready": ready,
		"timestamp":      h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.disp.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.disp.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.disp.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.disp.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.disp.IsRunning()})
}

type recipientRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type createMessageRequest struct {
	Phone   string `json:"phone"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type bulkMessageRequest struct {
	Recipients []recipientRequest `json:"recipients"`
	Message    string             `json:"message"`
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.enq.Enqueue(r.Context(), service.Recipient{Address: req.Phone, Label: req.Name}, req.Message)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) CreateBulkMessages(w http.ResponseWriter, r *http.Request) {
	var req bulkMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rs := make([]service.Recipient, 0, len(req.Recipients))
	for _, rc := range req.Recipients {
		rs = append(rs, service.Recipient{Address: rc.Phone, Label: rc.Name})
	}

	items, err := h.enq.EnqueueBulk(r.Context(), rs, req.Message)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": items, "count": len(items)})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	limit, offset := pageParams(r)

	items, err := h.store.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	view := messageView{QueueEntry: entry}
	if entry.Status == model.Sent && h.receipts != nil {
		// A cache miss or error still serves the row.
		if rc, ok, err := h.receipts.GetSent(r.Context(), id); err == nil && ok {
			view.Receipt = &rc
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) ListLog(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	items, err := h.store.ListLog(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	st, ok, err := h.store.GetSessionState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		st = model.SessionState{Status: model.SessionDisconnected}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": h.session.IsReady(),
		"state": st,
	})
}

// configValidators lists the keys that may be changed at runtime.
var configValidators = map[string]func(string) error{
	service.RateLimitKey: validateSeconds,
}

func (h *Handler) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	validate, ok := configValidators[key]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown config key "+strconv.Quote(key))
		return
	}

	var req struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Value = strings.TrimSpace(req.Value)
	if err := validate(req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SetConfigValue(r.Context(), key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}

func validateSeconds(raw string) error {
	if _, err := service.ParseRateLimit(raw); err != nil {
		return errors.New("value must be a non-negative number of seconds within range")
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrInvalidMessage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = parseInt(r.URL.Query().Get("limit"), defaultLimit)
	offset = parseInt(r.URL.Query().Get("offset"), 0)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
