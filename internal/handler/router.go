package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/cardservice/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выдачи карт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	if h.webhook != nil {
		r.Post("/webhooks/whatsapp", h.WhatsAppWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.identify)

		r.Get("/me", h.Me)
		r.Get("/me/score-history", h.MyScoreHistory)
		r.Post("/me/deletion", h.RequestDeletion)
		r.Post("/me/deletion/confirm", h.ConfirmDeletion)

		r.Post("/requests", h.RequestCard)
		r.Get("/requests", h.ListRequests)
		r.Get("/requests/{id}", h.GetRequest)

		r.Get("/cards", h.ListCards)
		r.Get("/cards/{id}", h.GetCard)
		r.Post("/cards/{id}/purchases", h.Purchase)
		r.Post("/cards/{id}/payments", h.Payment)
		r.Get("/cards/{id}/transactions", h.Transactions)

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin)

			r.Get("/requests", h.PendingRequests)
			r.Post("/requests/{id}/approve", h.ApproveRequest)
			r.Post("/requests/{id}/reject", h.RejectRequest)

			r.Put("/users/{id}/score", h.AdjustScore)
			r.Get("/users/{id}/score-history", h.UserScoreHistory)

			r.Put("/cards/{id}/status", h.SetCardStatus)

			r.Get("/events", h.EntityEvents)
			r.Get("/events/dead-letter", h.DeadLetterEvents)
			r.Post("/events/{id}/requeue", h.RequeueEvent)

			r.Get("/audit", h.Audit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
