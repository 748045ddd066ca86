package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ytscribe/ytscribe/backend/internal/handler/chat"
	"github.com/ytscribe/ytscribe/backend/internal/handler/stream"
	middlewarePkg "github.com/ytscribe/ytscribe/backend/internal/middleware"
	"github.com/ytscribe/ytscribe/backend/internal/relay"
	"github.com/ytscribe/ytscribe/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the chat relay.
func NewRouter(provider relay.Provider, genCfg relay.GenerationConfig, turnTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(provider, genCfg, turnTimeout)
	streamHandler := stream.New(provider, genCfg, turnTimeout)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
