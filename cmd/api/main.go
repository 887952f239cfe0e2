// cmd/api/main.go
// Main entry point for the application
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	// Internal packages
	"github.com/donmaleek/Kujuana-sub002/internal/auth"
	"github.com/donmaleek/Kujuana-sub002/internal/common/database"
	"github.com/donmaleek/Kujuana-sub002/internal/common/utils"
	"github.com/donmaleek/Kujuana-sub002/internal/config"
	"github.com/donmaleek/Kujuana-sub002/internal/matching"
	"github.com/donmaleek/Kujuana-sub002/internal/payment"
	"github.com/donmaleek/Kujuana-sub002/internal/profile"
	"github.com/donmaleek/Kujuana-sub002/internal/queue"
	"github.com/donmaleek/Kujuana-sub002/internal/scorer"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	log.Println("========================================")
	log.Println("🚀 Starting Kujuana Matchmaking API")
	log.Println("========================================")

	// 1. Load environment variables
	log.Println("📁 Step 1: Loading .env file...")
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  Warning: No .env file found (%v), using environment variables", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// 2. Load and validate configuration
	log.Println("\n📋 Step 2: Loading configuration...")
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ Configuration validation failed: ", err)
	}
	log.Println("✅ Configuration is valid")

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}

	// 3. Connect to PostgreSQL
	log.Println("\n🗄️  Step 3: Connecting to PostgreSQL...")
	db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("❌ Failed to connect to PostgreSQL: ", err)
	}
	defer db.Close()
	log.Println("✅ Connected to PostgreSQL successfully")

	// 4. Connect to Redis
	log.Println("\n📮 Step 4: Connecting to Redis...")
	rdb, err := database.NewRedisClientFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("❌ Failed to connect to Redis: ", err)
	}
	defer rdb.Close()
	log.Println("✅ Connected to Redis successfully")

	// 5. Run migrations
	log.Println("\n🔨 Step 5: Running database migrations...")
	if err := runMigrations(db); err != nil {
		log.Fatal("❌ Migration failed: ", err)
	}
	log.Println("✅ Migrations completed")

	// 6. Initialize the tiered job queue
	log.Println("\n📬 Step 6: Initializing job queue...")
	jobQueue := queue.New(rdb, queue.Config{
		MaxAttempts:        cfg.QueueMaxAttempts,
		BaseBackoff:        cfg.QueueBaseBackoff,
		CompletedRetention: cfg.QueueRetention,
	}, logger)
	scheduler := queue.NewScheduler(jobQueue, logger)
	log.Println("✅ Job queue ready")

	// 7. Wire services
	log.Println("\n🧩 Step 7: Wiring services...")

	subsRepo := subscription.NewPostgresRepository(db)
	subsService := subscription.NewService(subsRepo, subscription.Config{
		BillingPeriod: time.Duration(cfg.BillingPeriodDays) * 24 * time.Hour,
		Credits: subscription.TierCredits{
			subscription.TierStandard: cfg.StandardCredits,
			subscription.TierPriority: cfg.PriorityCredits,
			subscription.TierVip:      cfg.VipCredits,
		},
	}, logger)

	matchRepo := matching.NewPostgresRepository(db)
	matchService := matching.NewService(matchRepo, subsService, jobQueue, matching.Config{
		MaxAttempts:      cfg.QueueMaxAttempts,
		VipCurationLimit: cfg.VipCurationLimit,
	}, logger)

	profileRepo := profile.NewRepository(db)
	scorerClient := scorer.NewClient(cfg.ScorerURL, cfg.ScorerTimeout)

	workers := matching.NewWorkerPool(
		jobQueue, matchRepo, matchService, profileRepo, profileRepo, subsService, scorerClient,
		matching.WorkerConfig{
			Concurrency:        cfg.QueueConcurrency,
			StandardScoreFloor: cfg.StandardScoreFloor,
			CandidateLimit:     cfg.CandidateLimit,
			VipMinCompleteness: cfg.VipMinCompleteness,
			VipMinPhotos:       cfg.VipMinPhotos,
		}, logger)

	var gateways []payment.Gateway
	if cfg.PesapalEnabled {
		gateways = append(gateways, payment.NewPesapalGateway(payment.PesapalConfig{
			BaseURL:        cfg.PesapalBaseURL,
			ConsumerKey:    cfg.PesapalConsumerKey,
			ConsumerSecret: cfg.PesapalConsumerSecret,
		}))
		log.Println("   💳 Pesapal gateway enabled")
	}
	if cfg.FlutterwaveEnabled {
		gateways = append(gateways, payment.NewFlutterwaveGateway(payment.FlutterwaveConfig{
			BaseURL:    cfg.FlutterwaveBaseURL,
			SecretKey:  cfg.FlutterwaveSecretKey,
			SecretHash: cfg.FlutterwaveSecretHash,
		}))
		log.Println("   💳 Flutterwave gateway enabled")
	}

	paymentRepo := payment.NewPostgresRepository(db)
	paymentService := payment.NewService(paymentRepo, subsService, matchService, gateways, payment.Config{
		Credits: subscription.TierCredits{
			subscription.TierStandard: cfg.StandardCredits,
			subscription.TierPriority: cfg.PriorityCredits,
			subscription.TierVip:      cfg.VipCredits,
		},
	}, logger)

	log.Println("✅ Services wired")

	// 8. Background workers, schedules and sweeps
	log.Println("\n⚙️  Step 8: Starting background workers...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nightlyPayload, err := matching.EncodePayload(matching.JobNightlyBatch, matching.NightlyBatchJob{})
	if err != nil {
		log.Fatal("❌ Failed to encode nightly batch payload: ", err)
	}
	if err := scheduler.Register(ctx, "nightly-matching", cfg.NightlyMatchingCron, queue.ClassStandard, nightlyPayload); err != nil {
		log.Fatal("❌ Failed to register nightly matching schedule: ", err)
	}

	go jobQueue.RunMaintenance(ctx)
	go scheduler.Run(ctx)
	go subscription.NewSweeper(subsService, rdb, time.Hour, logger).Start(ctx)

	workersDone := make(chan struct{})
	go func() {
		workers.Run(ctx)
		close(workersDone)
	}()
	log.Printf("✅ Workers running (%d per queue class)", cfg.QueueConcurrency)

	// 9. HTTP surface
	log.Println("\n🌐 Step 9: Registering routes...")
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/health", healthCheck(db)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)
	matching.RegisterRoutes(router, matching.NewHandler(matchService), authMiddleware.Authenticate)
	subscription.RegisterRoutes(router, subscription.NewHandler(subsService), authMiddleware.Authenticate)
	payment.RegisterRoutes(router, payment.NewHandler(paymentService), authMiddleware.Authenticate)
	log.Println("✅ Routes registered")

	// 10. Start the server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("\n🎉 Server listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("❌ Server failed: ", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n⚠️  Shutdown signal received...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server shutdown error: %v", err)
	}

	// Let in-flight jobs finish before the process exits.
	cancel()
	select {
	case <-workersDone:
		log.Println("✅ Workers drained")
	case <-shutdownCtx.Done():
		log.Println("⚠️  Worker drain timed out")
	}

	log.Println("👋 Shutdown complete")
}

func healthCheck(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rw.status,
				"duration": time.Since(start).String(),
			}).Info("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// runMigrations executes database migrations
func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		// Member profiles: the flat shape behind the snapshot value object
		`CREATE TABLE IF NOT EXISTS profiles (
            user_id BIGINT PRIMARY KEY,
            display_name VARCHAR(100) NOT NULL,
            gender VARCHAR(20) NOT NULL,
            age INTEGER NOT NULL,
            city VARCHAR(100) NOT NULL DEFAULT '',
            country_code VARCHAR(2) NOT NULL DEFAULT '',
            religion VARCHAR(50) NOT NULL DEFAULT '',
            education VARCHAR(100) NOT NULL DEFAULT '',
            profession VARCHAR(100) NOT NULL DEFAULT '',
            willing_relocate BOOLEAN NOT NULL DEFAULT FALSE,
            preferred_gender VARCHAR(20) NOT NULL,
            min_age INTEGER NOT NULL,
            max_age INTEGER NOT NULL,
            preferred_religion VARCHAR(50),
            requires_relocation BOOLEAN NOT NULL DEFAULT FALSE,
            vision_family_goals TEXT,
            vision_timeline_years INTEGER,
            vision_statement TEXT,
            completion_score DOUBLE PRECISION NOT NULL DEFAULT 0,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE TABLE IF NOT EXISTS profile_photos (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL REFERENCES profiles(user_id) ON DELETE CASCADE,
            url TEXT NOT NULL,
            is_private BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE INDEX IF NOT EXISTS idx_profile_photos_user
            ON profile_photos (user_id)`,

		// Candidate search path
		`CREATE INDEX IF NOT EXISTS idx_profiles_candidates
            ON profiles (gender, age) WHERE is_active = TRUE`,

		// Match request ledger
		`CREATE TABLE IF NOT EXISTS match_requests (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            tier VARCHAR(20) NOT NULL,
            queue_class VARCHAR(20) NOT NULL,
            status VARCHAR(20) NOT NULL DEFAULT 'queued',
            job_ref VARCHAR(64),
            payment_id BIGINT,
            attempts INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 3,
            result_match_ids BIGINT[],
            last_error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            completed_at TIMESTAMPTZ
        )`,

		// At most one live request per user and tier
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_match_requests_in_flight
            ON match_requests (user_id, tier)
            WHERE status IN ('queued', 'processing')`,

		// Match store
		`CREATE TABLE IF NOT EXISTS matches (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            matched_user_id BIGINT NOT NULL,
            score DOUBLE PRECISION NOT NULL,
            score_breakdown JSONB NOT NULL,
            tier VARCHAR(20) NOT NULL,
            status VARCHAR(20) NOT NULL DEFAULT 'pending',
            user_action VARCHAR(10),
            matched_user_action VARCHAR(10),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (user_id != matched_user_id)
        )`,

		// One match per unordered pair
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_pair
            ON matches (LEAST(user_id, matched_user_id), GREATEST(user_id, matched_user_id))`,

		`CREATE INDEX IF NOT EXISTS idx_matches_user
            ON matches (user_id, created_at DESC)`,

		// Subscriptions
		`CREATE TABLE IF NOT EXISTS subscriptions (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            tier VARCHAR(20) NOT NULL,
            status VARCHAR(20) NOT NULL DEFAULT 'active',
            credits INTEGER NOT NULL DEFAULT 0,
            current_period_start TIMESTAMPTZ NOT NULL,
            current_period_end TIMESTAMPTZ NOT NULL,
            cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		// At most one active subscription per user
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active
            ON subscriptions (user_id) WHERE status = 'active'`,

		// Payments
		`CREATE TABLE IF NOT EXISTS payments (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            internal_ref VARCHAR(64) NOT NULL UNIQUE,
            reference VARCHAR(128) UNIQUE,
            idempotency_key VARCHAR(128) NOT NULL UNIQUE,
            gateway VARCHAR(20) NOT NULL,
            status VARCHAR(20) NOT NULL DEFAULT 'pending',
            amount BIGINT NOT NULL,
            currency VARCHAR(3) NOT NULL,
            purpose VARCHAR(30) NOT NULL,
            tier VARCHAR(20) NOT NULL,
            checkout_url TEXT,
            credits_granted INTEGER,
            entitlement_granted BOOLEAN NOT NULL DEFAULT FALSE,
            last_error TEXT,
            webhook_received_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE INDEX IF NOT EXISTS idx_payments_user
            ON payments (user_id, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
