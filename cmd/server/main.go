package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetsync-server/internal/config"
	"meetsync-server/internal/crm"
	"meetsync-server/internal/domain"
	"meetsync-server/internal/fingerprint"
	"meetsync-server/internal/handler"
	"meetsync-server/internal/match"
	"meetsync-server/internal/middleware"
	"meetsync-server/internal/repository"
	"meetsync-server/internal/service"
	"meetsync-server/internal/websocket"
	"meetsync-server/pkg/backoff"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/charmbracelet/log"
	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		logger.Fatal("failed to connect to CouchDB", "err", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		logger.Fatal("failed to check database existence", "err", err)
	}
	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			logger.Fatal("failed to create database", "err", err)
		}
		logger.Info("created database", "name", cfg.Database.Name)
	}

	ledgerRepo := repository.NewLedgerRepository(client, cfg.Database.Name)
	conflictRepo := repository.NewConflictRepository(client, cfg.Database.Name)
	entityRepo := repository.NewEntityRepository(client, cfg.Database.Name)

	hashers, err := buildHashers()
	if err != nil {
		logger.Fatal("invalid fingerprint rules", "err", err)
	}

	crmClient := crm.NewHTTPClient(crm.Config{
		BaseURL:      cfg.CRM.BaseURL,
		TokenURL:     cfg.CRM.TokenURL,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		Timeout:      cfg.CRM.Timeout,
	}, logger)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxClients,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)
	go wsManager.Run()

	detector := service.NewDetectorService(hashers)
	resolver := service.NewResolverService(conflictRepo, fieldPolicies(), cfg.Sync.AutoResolveAfter, logger)
	scorer := match.NewScorer(match.Config{
		ConfidenceFloor: cfg.Match.ConfidenceFloor,
		TieWindow:       cfg.Match.TieWindow,
	})
	matchService := service.NewMatchService(ledgerRepo, wsManager, logger)

	syncService := service.NewSyncService(service.OrchestratorConfig{
		Ledger:    ledgerRepo,
		Conflicts: conflictRepo,
		Entities:  entityRepo,
		Remote:    crmClient,
		Detector:  detector,
		Resolver:  resolver,
		Scorer:    scorer,
		Matches:   matchService,
		Hashers:   hashers,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.CRM.RateLimit), cfg.CRM.RateBurst),
		Backoff: backoff.Policy{
			Base:       cfg.Sync.BackoffBase,
			Cap:        cfg.Sync.BackoffCap,
			MaxRetries: cfg.Sync.MaxRetries,
		},
		Events:  wsManager,
		Logger:  logger,
		Workers: cfg.Sync.Workers,
	})

	syncCtx, stopSync := context.WithCancel(context.Background())
	go syncService.Run(syncCtx, cfg.Sync.Interval)

	syncHandler := handler.NewSyncHandler(syncService)
	conflictHandler := handler.NewConflictHandler(syncService, resolver)
	matchHandler := handler.NewMatchHandler(matchService)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sync/trigger", syncHandler.Trigger).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/status", syncHandler.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/pairs", syncHandler.ListPairs).Methods("GET", "OPTIONS")

	api.HandleFunc("/conflicts", conflictHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}", conflictHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}/resolve", conflictHandler.Resolve).Methods("POST", "OPTIONS")

	api.HandleFunc("/matches/pending", matchHandler.ListPending).Methods("GET", "OPTIONS")
	api.HandleFunc("/matches/{id}/confirm", matchHandler.Confirm).Methods("POST", "OPTIONS")
	api.HandleFunc("/matches/{id}/reject", matchHandler.Reject).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting meetsync server", "addr", addr, "env", cfg.Server.Env)
		logger.Info("connected to CouchDB", "host", cfg.Database.Host, "port", cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stopSync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", "err", err)
	}

	logger.Info("server stopped gracefully")
}

// buildHashers declares the synchronizable field set and its normalization
// per entity type. Fields absent here never sync and never conflict.
func buildHashers() (map[domain.EntityType]*fingerprint.Hasher, error) {
	person := map[string]fingerprint.Kind{
		"email":               fingerprint.KindEmail,
		"name":                fingerprint.KindText,
		"company":             fingerprint.KindText,
		"phone":               fingerprint.KindText,
		"title":               fingerprint.KindText,
		"notes":               fingerprint.KindText,
		"stage":               fingerprint.KindText,
		"score":               fingerprint.KindText,
		"last_interaction_at": fingerprint.KindTimestamp,
	}
	item := map[string]fingerprint.Kind{
		"subject": fingerprint.KindText,
		"notes":   fingerprint.KindText,
		"status":  fingerprint.KindText,
		"owner":   fingerprint.KindText,
		"due_at":  fingerprint.KindTimestamp,
	}

	hashers := make(map[domain.EntityType]*fingerprint.Hasher)
	for entityType, rules := range map[domain.EntityType]map[string]fingerprint.Kind{
		domain.EntityTypeLead:     person,
		domain.EntityTypeContact:  person,
		domain.EntityTypeActivity: item,
		domain.EntityTypeTask:     item,
		domain.EntityTypeMeeting:  item,
	} {
		h, err := fingerprint.New(rules)
		if err != nil {
			return nil, err
		}
		hashers[entityType] = h
	}
	return hashers, nil
}

// fieldPolicies assigns conflict ownership: user-authored text always keeps
// the local edit, CRM-computed values always keep the remote one, and
// everything else escalates to a human.
func fieldPolicies() map[string]domain.FieldPolicy {
	return map[string]domain.FieldPolicy{
		"notes":               domain.FieldPolicyUserAuthored,
		"subject":             domain.FieldPolicyUserAuthored,
		"stage":               domain.FieldPolicySystemManaged,
		"score":               domain.FieldPolicySystemManaged,
		"last_interaction_at": domain.FieldPolicySystemManaged,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"meetsync-server"}`))
}
