package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, logger zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(cors)

	r.Get("/health", handler.Health)
	r.Get("/rates", handler.GetRate)
	r.Get("/banks/{country}", handler.ListBanks)
	r.Get("/tx/{hash}", handler.GetTransaction)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", handler.CreateSession)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", handler.GetSession)
			r.Delete("/", handler.CloseSession)
			r.Patch("/fields", handler.UpdateFields)
			r.Post("/submit", handler.Submit)
			r.Post("/confirm", handler.ConfirmPayment)
			r.Post("/cancel", handler.CancelOrder)
			r.Post("/start-new", handler.StartNew)
			r.Post("/connect", handler.ConnectWallet)
			r.Post("/rehydrate", handler.Rehydrate)
			r.Get("/events", handler.Events)
		})
	})

	r.Route("/handshake", func(r chi.Router) {
		r.Get("/callback", handler.HandshakeCallback)
		r.Post("/forward", handler.ForwardResponse)
	})

	return &Server{Router: r}
}
