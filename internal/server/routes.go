package server

import (
	"encoding/json"
	"net/http"

	"blockbattle/internal/battle"
	"blockbattle/internal/middleware"
	"blockbattle/internal/realtime"
	"blockbattle/internal/repository"
	"blockbattle/internal/service"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Gateway exposes the core over HTTP/websocket for game clients.
type Gateway struct {
	rankSvc        *service.RankService
	matchmakingSvc *service.MatchmakingService
	profileSvc     *service.ProfileService
	matchRepo      *repository.MatchRepository
	historyRepo    *repository.HistoryRepository
	broker         *realtime.Broker
	logger         zerolog.Logger
}

func NewGateway(
	rankSvc *service.RankService,
	matchmakingSvc *service.MatchmakingService,
	profileSvc *service.ProfileService,
	matchRepo *repository.MatchRepository,
	historyRepo *repository.HistoryRepository,
	broker *realtime.Broker,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		rankSvc:        rankSvc,
		matchmakingSvc: matchmakingSvc,
		profileSvc:     profileSvc,
		matchRepo:      matchRepo,
		historyRepo:    historyRepo,
		broker:         broker,
		logger:         logger,
	}
}

func (gw *Gateway) newOrchestrator() *battle.Orchestrator {
	return battle.NewOrchestrator(gw.matchRepo, gw.historyRepo, gw.rankSvc, gw.broker, gw.logger)
}

// Handler builds the router with CORS and request-id middleware applied.
func (gw *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/players/{playerID}/profile", gw.handleProfile)
	r.Get("/ws", gw.handleWS)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.RequestID(gw.logger)(c.Handler(r))
}

func (gw *Gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if playerID == "" {
		http.Error(w, "missing player id", http.StatusBadRequest)
		return
	}

	profile, err := gw.profileSvc.GetProfile(r.Context(), playerID)
	if err != nil {
		gw.logger.Error().Err(err).Str("player_id", playerID).Msg("failed to load profile")
		http.Error(w, "failed to load profile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(profile)
}

func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "missing player_id", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = playerID
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sess := newClientSession(gw, playerID, name)
	sess.serve(r.Context(), conn)
}
