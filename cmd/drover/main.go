package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/droverworks/drover/internal/adapter"
	"github.com/droverworks/drover/internal/audit"
	"github.com/droverworks/drover/internal/buildinfo"
	"github.com/droverworks/drover/internal/config"
	"github.com/droverworks/drover/internal/observation"
	"github.com/droverworks/drover/internal/runtime"
	"github.com/droverworks/drover/internal/ssrf"
	"github.com/droverworks/drover/internal/tenant"
)

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log.Printf("drover %s (%s, built %s) starting", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	if cfg.ProviderToken == "" {
		log.Printf("warning: DROVER_PROVIDER_TOKEN is empty; provider requests are unauthenticated")
	} else if config.IsWeakToken(cfg.ProviderToken) {
		log.Printf("warning: DROVER_PROVIDER_TOKEN is weak; consider a longer random token")
	}

	// 2. Tenant definitions
	tenantIDs := cfg.Tenants
	var budgets map[string]tenant.Budget
	var circuits map[string]tenant.CircuitConfig
	if cfg.TenantsFile != "" {
		tf, err := config.LoadTenantsFile(cfg.TenantsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		tenantIDs = tf.IDs()
		budgets = tf.Budgets()
		circuits = tf.Circuits()
	}
	if len(tenantIDs) == 0 {
		fmt.Fprintln(os.Stderr, "fatal: no tenants configured (set DROVER_TENANTS or DROVER_TENANTS_FILE)")
		os.Exit(1)
	}

	// 3. Audit store
	repo, err := audit.OpenRepo(cfg.DataDir, cfg.AuditMaxRows)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	auditSvc := audit.NewService(audit.ServiceConfig{
		Repo:          repo,
		QueueSize:     cfg.AuditQueueSize,
		FlushBatch:    cfg.AuditFlushBatchSize,
		FlushInterval: cfg.AuditFlushInterval,
	})
	auditSvc.Start()

	// 4. SSRF guard, observation sources, provider
	guard := ssrf.NewGuard(ssrf.Options{Allowlist: cfg.SSRFAllowlist}, cfg.SSRFCacheTTL, ssrf.DefaultGuardEntries)
	httpClient := &http.Client{Timeout: cfg.ObservationTimeout}

	var sources []observation.Source
	for _, u := range cfg.ObservationSourceURLs {
		src, err := adapter.NewHTTPSource(u, guard, httpClient)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: observation source %s: %v\n", u, err)
			os.Exit(1)
		}
		sources = append(sources, src)
	}
	var observer *observation.Composite
	if len(sources) > 0 {
		observer = observation.NewComposite(sources, cfg.ObservationTimeout)
	}

	provider, err := adapter.NewHTTPProvider(adapter.HTTPProviderConfig{
		URL:      cfg.ProviderURL,
		Token:    cfg.ProviderToken,
		Guard:    guard,
		Observer: observer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 5. Runtime
	kill := runtime.NewKillSwitch()
	rt, err := runtime.New(runtime.Config{
		HeartbeatInterval:      cfg.HeartbeatInterval,
		Provider:               provider,
		Budgets:                budgets,
		Circuits:               circuits,
		KillSwitch:             kill,
		MaxEventQueueSize:      cfg.MaxEventQueueSize,
		RunTimeout:             cfg.RunTimeout,
		RunTimeoutGrace:        cfg.RunTimeoutGrace,
		RunTimeoutMaxLockHold:  cfg.RunTimeoutMaxLockHold,
		RunTimeoutChargeTokens: cfg.RunTimeoutChargeTokens,
		TenantIdleEviction:     cfg.TenantIdleEviction,
		Sink:                   auditSvc,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	rt.Start(tenantIDs...)
	log.Printf("runtime started: %d tenants, heartbeat %s", len(tenantIDs), cfg.HeartbeatInterval)

	// 6. Scheduled audit pruning
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.AuditPruneSchedule, func() {
		cutoff := time.Now().Add(-cfg.AuditRetainAge)
		n, err := repo.PruneBefore(cutoff)
		if err != nil {
			log.Printf("[audit] prune failed: %v", err)
			return
		}
		log.Printf("[audit] pruned %d records older than %s", n, cfg.AuditRetainAge)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: audit prune schedule: %v\n", err)
		os.Exit(1)
	}
	sched.Start()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	rt.Stop()
	<-sched.Stop().Done()
	auditSvc.Stop()
	guard.Close()
	if err := repo.Close(); err != nil {
		log.Printf("audit store close error: %v", err)
	}
	log.Println("Runtime stopped")
}
