package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/whatsapp"
)

// WebhookSecretHeader содержит общий секрет вебхука шлюза.
const WebhookSecretHeader = "X-Webhook-Secret"

// DeadLetterEvents возвращает события, исчерпавшие попытки доставки.
func (h *Handler) DeadLetterEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.service.ListDeadLetterEvents(r.Context(), actorFrom(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, events)
}

// EntityEvents возвращает события сущности в порядке номеров.
func (h *Handler) EntityEvents(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entityId")
	if entityID == "" {
		h.writeError(w, r, model.Validation("entityId is required"))
		return
	}
	events, err := h.service.ListEntityEvents(r.Context(), actorFrom(r), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, events)
}

type requeueRequest struct {
	Reason string `json:"reason"`
}

// RequeueEvent возвращает событие из dead letter в очередь доставки.
func (h *Handler) RequeueEvent(w http.ResponseWriter, r *http.Request) {
	var in requeueRequest
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.AdminRequeueEvent(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// Audit возвращает журнал действий администраторов над объектом.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := h.service.AuditTrail(r.Context(), actorFrom(r), q.Get("targetType"), q.Get("targetId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, logs)
}

// WhatsAppWebhook принимает события шлюза сообщений.
// Ответ 500 означает, что шлюз может повторить доставку.
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret != "" {
		got := r.Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	var ev whatsapp.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	resp := h.webhook.HandleWebhook(r.Context(), ev)
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
}

// Health сообщает о состоянии сервиса и транспорта сообщений.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Transport: "disabled"}
	if h.transport != nil {
		if err := h.transport.CheckConnection(r.Context()); err != nil {
			h.logger.Warn("messaging transport unavailable", zap.Error(err))
			resp = healthResponse{Status: "degraded", Transport: "unavailable"}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Transport = "connected"
	}
	writeJSON(w, http.StatusOK, resp)
}
