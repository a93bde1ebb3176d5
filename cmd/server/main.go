package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/mailroom/internal/api"
	"github.com/ultrazend/mailroom/internal/config"
	"github.com/ultrazend/mailroom/internal/dkim"
	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/metrics"
	"github.com/ultrazend/mailroom/internal/repository/postgres"
	"github.com/ultrazend/mailroom/internal/rollout"
	"github.com/ultrazend/mailroom/internal/service/admission"
	"github.com/ultrazend/mailroom/internal/service/reputation"
	"github.com/ultrazend/mailroom/internal/service/suppression"
	"github.com/ultrazend/mailroom/internal/service/tenant"
	"github.com/ultrazend/mailroom/internal/smtp"
	"github.com/ultrazend/mailroom/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// Quota checks fail open; the process can start without Redis.
		log.Printf("WARNING: redis unreachable at startup: %v", err)
	}

	// Repositories.
	queueRepo := postgres.NewQueueRepo(db)
	tenantRepo := postgres.NewTenantRepo(db)
	suppressionRepo := postgres.NewSuppressionRepo(db)
	reputationRepo := postgres.NewReputationRepo(db)
	dkimRepo := postgres.NewDKIMRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	// Services.
	tenantSvc := tenant.NewService(tenantRepo, tenant.NewQuotaLimiter(rdb))
	suppressionSvc := suppression.NewService(suppressionRepo)
	reputationSvc := reputation.NewService(reputationRepo)

	internalKey, err := loadInternalKey(cfg.DKIM, cfg.Server.Hostname)
	if err != nil {
		log.Fatalf("Failed to load internal DKIM key: %v", err)
	}
	keystore := dkim.NewKeystore(dkimRepo, tenantSvc, cfg.DKIM.DefaultKeySize,
		append([]string{cfg.Server.Hostname}, cfg.DKIM.InternalDomains...), internalKey)

	// Rollout gate and controller.
	m := metrics.New()
	gate := rollout.NewGate(cfg.Rollout.Percent)
	m.RolloutPercent.Set(float64(gate.Percent()))
	controller := rollout.NewController(cfg.Rollout, gate, &rollbackAuditor{inner: auditRepo, metrics: m})

	admissionSvc := admission.NewService(queueRepo, tenantSvc, suppressionSvc, reputationSvc, auditRepo, gate)

	// Delivery pipeline.
	mailer := smtp.NewClient(smtp.Config{
		Hostname:       cfg.Server.Hostname,
		SmartHost:      cfg.Delivery.SmartHost,
		SmartHostUser:  cfg.Delivery.SmartHostUser,
		SmartHostPass:  cfg.Delivery.SmartHostPass,
		ConnectTimeout: cfg.Delivery.ConnectTimeout(),
	})
	planner := worker.NewPlanner(cfg.Retry)
	deliverer := worker.NewDeliverer(queueRepo, tenantSvc, reputationSvc, suppressionSvc,
		keystore, dkim.Sign, mailer, planner, controller, m,
		cfg.Delivery.LocalDomains, cfg.Delivery.AttemptTimeout())
	scheduler := worker.NewScheduler(queueRepo, tenantSvc, deliverer, cfg.Scheduler, m)

	leakWindow := cfg.Delivery.AttemptTimeout() * time.Duration(cfg.Scheduler.InflightLeakFactor)
	janitor := worker.NewJanitor(queueRepo, suppressionSvc, reputationSvc, leakWindow)

	health := worker.NewHealth(db, rdb, cfg.Delivery.SmartHost, 5*time.Second)

	// HTTP surface.
	handlers := api.NewHandlers(admissionSvc, suppressionSvc, keystore, queueRepo, health, gate, controller, m)
	server := api.NewServer(handlers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller.Start(ctx)
	scheduler.Start(ctx)
	janitor.Start(ctx)
	health.Start(ctx)
	go watchGauges(ctx, queueRepo, gate, m)

	go func() {
		log.Printf("mailroom listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	scheduler.Stop()
	janitor.Stop()
	health.Stop()
	controller.Stop()
	log.Println("shutdown complete")
}

// watchGauges refreshes the derived gauges: queue depth by state and
// the live rollout percent.
func watchGauges(ctx context.Context, queue *postgres.QueueRepo, gate *rollout.Gate, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.RolloutPercent.Set(float64(gate.Percent()))
		counts, err := queue.CountByState(ctx)
		if err != nil {
			continue
		}
		for _, state := range []domain.JobState{
			domain.JobPending, domain.JobProcessing, domain.JobDeferred,
			domain.JobDelivered, domain.JobFailed, domain.JobBounced,
		} {
			m.QueueDepth.WithLabelValues(string(state)).Set(float64(counts[string(state)]))
		}
	}
}

// rollbackAuditor mirrors controller executions into the rollback
// counter on their way to the audit log.
type rollbackAuditor struct {
	inner   rollout.Auditor
	metrics *metrics.Metrics
}

func (a *rollbackAuditor) Append(ctx context.Context, e *domain.AuditEntry) {
	a.metrics.RollbackTotal.WithLabelValues(e.Detail).Inc()
	a.inner.Append(ctx, e)
}

// loadInternalKey builds the statically provisioned signing key for the
// platform hostname from the configured PEM file. Returns nil when no
// path is configured.
func loadInternalKey(cfg config.DKIMConfig, hostname string) (*domain.DKIMKey, error) {
	if cfg.InternalKeyPath == "" {
		return nil, nil
	}
	pemText, err := os.ReadFile(cfg.InternalKeyPath)
	if err != nil {
		return nil, err
	}
	priv, err := dkim.ParsePrivateKey(string(pemText))
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &domain.DKIMKey{
		Domain:           hostname,
		Selector:         cfg.InternalSelector,
		PrivateKeyPEM:    string(pemText),
		PublicKeyBase64:  base64.StdEncoding.EncodeToString(pub),
		Algorithm:        domain.DKIMAlgorithm,
		Canonicalization: domain.DKIMCanonicalization,
		KeySize:          priv.Size() * 8,
		Active:           true,
	}, nil
}
