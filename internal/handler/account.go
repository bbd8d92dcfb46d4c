package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/service"
)

// Me возвращает профиль текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUser(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// MyScoreHistory возвращает историю рейтинга текущего пользователя.
func (h *Handler) MyScoreHistory(w http.ResponseWriter, r *http.Request) {
	h.scoreHistory(w, r, actorFrom(r).ID)
}

// UserScoreHistory возвращает историю рейтинга указанного пользователя.
func (h *Handler) UserScoreHistory(w http.ResponseWriter, r *http.Request) {
	h.scoreHistory(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) scoreHistory(w http.ResponseWriter, r *http.Request, userID string) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	history, err := h.service.ScoreHistory(r.Context(), actorFrom(r), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, history)
}

// AdjustScore устанавливает рейтинг пользователя.
func (h *Handler) AdjustScore(w http.ResponseWriter, r *http.Request) {
	var in service.AdjustScoreInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.AdminAdjustScore(r.Context(), commandFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// RequestDeletion выдаёт одноразовый токен подтверждения удаления аккаунта.
func (h *Handler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.service.RequestAccountDeletion(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, challenge)
}

type confirmDeletionRequest struct {
	Token string `json:"token"`
}

// ConfirmDeletion удаляет аккаунт по токену подтверждения.
func (h *Handler) ConfirmDeletion(w http.ResponseWriter, r *http.Request) {
	var in confirmDeletionRequest
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if in.Token == "" {
		h.writeError(w, r, model.Validation("token is required"))
		return
	}

	out, err := h.service.ConfirmAccountDeletion(r.Context(), commandFrom(r), in.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}
