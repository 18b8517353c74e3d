// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trust

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/trustgate/common/config"
	"axonflow/trustgate/llm"
)

// =============================================================================
// Trust Gate Service - Tool-Call Mediation Gateway
// =============================================================================

// Run wires the service from configuration and blocks until shutdown. It is
// the exported entry point used by cmd/trustgate.
func Run(cfg *config.Config) error {
	log.Println("=== Trust Gate starting ===")

	// --- Storage layer ---

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Println("[TrustGate] Connected to PostgreSQL")
	} else {
		log.Println("[TrustGate] DATABASE_URL not set - using in-memory policy store")
	}

	var policyStore PolicyStore
	if db != nil {
		policyStore = NewPostgresPolicyStore(db)
	} else {
		policyStore = NewMemoryPolicyStore()
	}

	var states StateStore
	if cfg.RedisURL != "" {
		redisStates, err := NewRedisStateStore(cfg.RedisURL, DefaultStateTTL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis state store: %w", err)
		}
		states = redisStates
	} else {
		log.Println("[TrustGate] REDIS_URL not set - using in-process trust state")
		states = NewMemoryStateStore()
	}

	recorder := NewAuditRecorder(AuditRecorderConfig{DB: db})

	// --- Sanitizer providers ---

	mainProvider, quarantinedProvider, err := buildProviders(cfg.Sanitizer)
	if err != nil {
		return err
	}
	sanitizer := NewSanitizer(SanitizerOptions{
		Main:        mainProvider,
		Quarantined: quarantinedProvider,
		CallTimeout: cfg.Sanitizer.CallTimeout,
	})

	// --- Engine ---

	snapshots := NewSnapshotCache(policyStore, cfg.PolicyCacheTTL)
	engine := NewEngine(EngineOptions{
		Policies:  snapshots,
		States:    states,
		Sanitizer: sanitizer,
		Recorder:  recorder,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	snapshots.StartRefresh(runCtx, cfg.PolicyCacheTTL)

	// --- HTTP surface ---

	api := NewAPI(engine, recorder)
	auth := NewAuthMiddleware(cfg.JWTSecret)

	router := mux.NewRouter()
	router.HandleFunc("/health", api.HealthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	engineRoutes := router.PathPrefix("/").Subrouter()
	engineRoutes.Use(auth.Middleware)
	api.Register(engineRoutes)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // sanitization runs span several LLM calls
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[TrustGate] Listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-runCtx.Done():
	}

	log.Println("[TrustGate] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[TrustGate] Server shutdown error: %v", err)
	}
	if err := recorder.Shutdown(shutdownCtx); err != nil {
		log.Printf("[TrustGate] Audit recorder shutdown error: %v", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("[TrustGate] Database close error: %v", err)
		}
	}
	log.Println("=== Trust Gate stopped ===")
	return nil
}

// buildProviders creates the main and quarantined LLM providers from config.
func buildProviders(cfg config.SanitizerConfig) (llm.Provider, llm.Provider, error) {
	switch cfg.Provider {
	case "mock":
		log.Println("[TrustGate] Using mock LLM providers")
		return llm.NewMockProvider("mock-main"), llm.NewMockProvider("mock-quarantined"), nil
	case "bedrock", "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		main, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{
			Name:   "bedrock-main",
			Region: cfg.Region,
			Model:  cfg.MainModel,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize main provider: %w", err)
		}
		quarantined, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{
			Name:   "bedrock-quarantined",
			Region: cfg.Region,
			Model:  cfg.QuarantinedModel,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize quarantined provider: %w", err)
		}
		return main, quarantined, nil
	default:
		return nil, nil, fmt.Errorf("unknown sanitizer provider %q", cfg.Provider)
	}
}
