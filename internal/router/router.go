package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/handlers"
	"github.com/charhubai/charhub/internal/middleware"
	"github.com/charhubai/charhub/internal/services/hub"
	"github.com/charhubai/charhub/internal/services/jobs"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/services/policy"
	"github.com/charhubai/charhub/internal/services/translate"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

// Deps carries the wired services the HTTP surface is built from.
// Construction happens in cmd so the worker can share the same services.
type Deps struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB
	Redis  *redis.Client

	Auth    *auth.Service
	Ledger  *ledger.Service
	Costs   *usagepipe.CostTable
	Members *membership.Service
	Gate    *policy.Gate
	Engine  *jobs.Engine
	Chat    *hub.ChatFlow
	WS      *hub.Server

	// Translator rewrites outbound message content into the reader's
	// preferred language. Nil means pass-through.
	Translator translate.Translator
}

func New(d *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Metrics())
	r.Use(chiMiddleware.Recoverer)

	if len(d.Config.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.Config.CORS.AllowedOrigins,
			AllowedMethods:   d.Config.CORS.AllowedMethods,
			AllowedHeaders:   d.Config.CORS.AllowedHeaders,
			AllowCredentials: d.Config.CORS.AllowCredentials,
			MaxAge:           d.Config.CORS.MaxAge,
		}))
	}

	healthHandler := handlers.NewHealthHandler(d.DB, d.Redis)
	creditsHandler := handlers.NewCreditsHandler(d.Ledger, d.Costs, d.Logger)
	conversationsHandler := handlers.NewConversationsHandler(d.DB, d.Members, d.Chat, d.Translator, d.Logger)
	jobsHandler := handlers.NewJobsHandler(d.Engine, d.Gate, d.Costs, d.Logger)
	adminCostsHandler := handlers.NewAdminCostsHandler(d.Costs, d.Logger)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	authMiddleware := middleware.NewAuthMiddleware(d.Logger, d.Auth)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket handshake carries its own token, see ServeWS.
		r.Get("/ws", d.WS.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)

			r.Route("/credits", func(r chi.Router) {
				r.Get("/balance", creditsHandler.Balance)
				r.Post("/daily-reward", creditsHandler.DailyReward)
				r.Get("/transactions", creditsHandler.Transactions)
				r.Post("/estimate-cost", creditsHandler.Estimate)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", conversationsHandler.Create)

				r.Route("/{id}", func(r chi.Router) {
					r.Post("/messages", conversationsHandler.SendMessage)
					r.Get("/messages", conversationsHandler.ListMessages)
					r.Post("/participants", conversationsHandler.AddParticipant)
					r.Post("/invite", conversationsHandler.Invite)
					r.Post("/join", conversationsHandler.Join)
					r.Post("/leave", conversationsHandler.Leave)
					r.Post("/members/generate-invite-link", conversationsHandler.GenerateInviteLink)
					r.Post("/members/join-by-token", conversationsHandler.JoinByToken)
					r.Delete("/members/{userId}", conversationsHandler.Kick)
				})
			})

			r.Route("/image-generation", func(r chi.Router) {
				r.Post("/character-dataset", jobsHandler.CreateDataset)
				r.Route("/job/{jobId}", func(r chi.Router) {
					r.Get("/", jobsHandler.Get)
					r.Post("/cancel", jobsHandler.Cancel)
				})
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware.RequireAdmin)
			r.Get("/costs", adminCostsHandler.Get)
			r.Put("/costs", adminCostsHandler.Set)
		})
	})

	return r
}
