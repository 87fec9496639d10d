package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhbprotocol/p2plend/gateway/middleware"
	"github.com/nhbprotocol/p2plend/gateway/routes"
	nativecommon "github.com/nhbprotocol/p2plend/native/common"
	"github.com/nhbprotocol/p2plend/native/lending"
	"github.com/nhbprotocol/p2plend/observability/logging"
	"github.com/nhbprotocol/p2plend/observability/metrics"
	"github.com/nhbprotocol/p2plend/services/lendingd/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logger := logging.Setup("lendingd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	params, err := lending.LoadRiskParameters(cfg.RiskParamsPath)
	if err != nil {
		log.Fatalf("load risk parameters: %v", err)
	}

	store := lending.NewMemStore()
	ledger := lending.NewMemLedger()
	clock := lending.SystemClock{}
	oracle := lending.NewInProcessOracle(clock)

	engine := lending.NewEngine(store, ledger, oracle, clock)
	engine.SetRiskParameters(params)
	engine.SetQuotaStore(nativecommon.NewMemStore())
	views := lending.NewViews(store, clock)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	metricsRegistry := metrics.New(reg)

	if cfg.Audit.Path != "" {
		auditLogger := logging.NewAuditLogger(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		engine.SetOnLiquidationSettled(func(id lending.LendingID, status lending.Status) {
			auditLogger.Info("liquidation settled",
				slog.Uint64("lendingId", uint64(id)),
				slog.String("status", status.String()),
			)
		})
	}

	authCfg := middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}
	authenticator := middleware.NewAuthenticator(authCfg, log.Default())

	rateLimits := map[string]middleware.RateLimit{
		"offerBorrow": {RatePerSecond: 2, Burst: 5},
		"liquidate":   {RatePerSecond: 1, Burst: 3},
	}
	for name, spec := range cfg.RateLimits {
		if limit, ok := parseRateLimit(spec); ok {
			rateLimits[name] = limit
		}
	}
	limiter := middleware.NewRateLimiter(rateLimits, log.Default())

	server := &routes.Server{Engine: engine, Views: views, Metrics: metricsRegistry}

	router := chi.NewRouter()
	server.Mount(router, authenticator, limiter)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsConfig, err := loadServerTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("address", cfg.ListenAddress))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced server close", slog.String("error", err.Error()))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func parseRateLimit(spec string) (middleware.RateLimit, bool) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return middleware.RateLimit{}, false
	}
	rps, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return middleware.RateLimit{}, false
	}
	burst, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return middleware.RateLimit{}, false
	}
	return middleware.RateLimit{RatePerSecond: rps, Burst: burst}, true
}

func loadServerTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}
