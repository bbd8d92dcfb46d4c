package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/cardservice/internal/service"
)

// ListCards возвращает карты текущего пользователя.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.service.ListUserCards(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, cards)
}

// GetCard возвращает карту по идентификатору.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.service.GetCard(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// Purchase списывает покупку с кредитной карты.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var in service.PurchaseInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.Purchase(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// Payment зачисляет платёж по карте.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	var in service.PaymentInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.Payment(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// Transactions возвращает операции по карте.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.service.ListTransactions(r.Context(), actorFrom(r), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, txs)
}

// SetCardStatus блокирует, разблокирует или закрывает карту.
func (h *Handler) SetCardStatus(w http.ResponseWriter, r *http.Request) {
	var in service.SetCardStatusInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.AdminSetCardStatus(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}
