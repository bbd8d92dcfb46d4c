package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/cardservice/internal/service"
)

// RequestCard подаёт заявку на карту от текущего пользователя.
func (h *Handler) RequestCard(w http.ResponseWriter, r *http.Request) {
	var in service.RequestCardInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.RequestCard(r.Context(), commandFrom(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// ListRequests возвращает заявки текущего пользователя.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListUserRequests(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, reqs)
}

// GetRequest возвращает заявку по идентификатору.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetCardRequest(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// PendingRequests возвращает очередь заявок на ручное рассмотрение.
func (h *Handler) PendingRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reqs, err := h.service.ListPendingRequests(r.Context(), actorFrom(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, reqs)
}

// ApproveRequest одобряет заявку от имени администратора.
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var in service.AdminApproveInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.AdminApprove(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// RejectRequest отклоняет заявку от имени администратора.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var in service.AdminRejectInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.AdminReject(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}
