// Command bridge runs the ACP-to-WebSocket bridge daemon: it loads
// config.yaml and the persisted identity/TLS material from BRIDGE_HOME,
// brings up the session pool and rate limiter, and serves the pairing and
// data-plane endpoints until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/robfig/cron/v3"

	"github.com/basket/acp-bridge/internal/audit"
	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/config"
	otelpkg "github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/pairing"
	"github.com/basket/acp-bridge/internal/ratelimit"
	"github.com/basket/acp-bridge/internal/sessionpool"
	"github.com/basket/acp-bridge/internal/telemetry"
	"github.com/basket/acp-bridge/internal/tlsidentity"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup("E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup("E_LOGGER_INIT", err)
	}
	defer func() { _ = logFile.Close() }()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup("E_METRICS_INIT", err)
	}

	identity, minted, err := config.LoadOrCreateIdentity(cfg.HomeDir)
	if err != nil {
		fatalStartup("E_IDENTITY_INIT", err)
	}

	eventBus := bus.New()

	var tlsIdentity tlsidentity.Identity
	if cfg.TLS.Enabled {
		tlsIdentity, err = tlsidentity.LoadOrGenerate(cfg.HomeDir, cfg.TLS.ExtraSANs)
		if err != nil {
			fatalStartup("E_TLS_INIT", err)
		}
	}

	limiter := ratelimit.New(cfg.MaxConnectionsPerIP, cfg.MaxAttemptsPerMinute, nil)

	pool := sessionpool.New(sessionpool.Config{
		MaxAgents:      cfg.MaxAgents,
		BufferMessages: cfg.BufferMessages,
		Logger:         logger,
		Bus:            eventBus,
		Metrics:        metrics,
	})

	scheme := "ws"
	if cfg.TLS.Enabled {
		scheme = "wss"
	}
	host := cfg.Bind
	if host == "0.0.0.0" || host == "" {
		host = localAdvertiseHost()
	}
	wsURL := fmt.Sprintf("%s://%s:%d/", scheme, host, cfg.Port)
	pairURL := fmt.Sprintf("%s://%s:%d", httpScheme(cfg.TLS.Enabled), host, cfg.Port)

	pairingMgr, err := pairing.New(identity.AgentID, wsURL, identity.AuthToken, tlsIdentity.Fingerprint,
		time.Duration(cfg.PairingCodeTTLSeconds)*time.Second, cfg.PairingMaxAttempts, nil)
	if err != nil {
		fatalStartup("E_PAIRING_INIT", err)
	}

	srv := bridge.New(bridge.Config{
		Ctx:          ctx,
		Pool:         pool,
		Limiter:      limiter,
		Pairing:      pairingMgr,
		AgentCommand: cfg.AgentCommand,
		AuthToken:    identity.AuthToken,
		AuthEnabled:  cfg.Auth.Enabled,
		KeepAlive:    cfg.KeepAlive,
		Logger:       logger,
		Bus:          eventBus,
		Metrics:      metrics,
	})

	pool.StartReaper(ctx, 60*time.Second, cfg.SessionTimeout())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; live reload disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, pool, logger)
	}

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", limiter.EvictStaleAttempts); err != nil {
		fatalStartup("E_SCHEDULER_INIT", err)
	}
	sched.Start()
	defer sched.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	printBanner(minted, pairURL, pairingMgr, tlsIdentity)

	logger.Info("bridge starting", "addr", addr, "tls", cfg.TLS.Enabled, "auth", cfg.Auth.Enabled,
		"max_agents", cfg.MaxAgents, "agent_command", cfg.AgentCommand)

	errCh := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- fmt.Errorf("listen: %w", err)
			return
		}
		if cfg.TLS.Enabled {
			tlsLn := tls.NewListener(ln, &tls.Config{
				Certificates: []tls.Certificate{tlsIdentity.Certificate},
				MinVersion:   tls.VersionTLS12,
			})
			errCh <- httpServer.Serve(tlsLn)
			return
		}
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("listener failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	pool.Shutdown()
}

// watchConfig applies max_agents/session_timeout changes from a reloaded
// config.yaml to the running pool without a restart. TLS SAN changes are
// deliberately not hot-applied here: a running *tls.Listener already holds
// the certificate it was constructed with, and swapping it safely needs a
// tls.Config.GetCertificate hook this bridge doesn't wire up, so an extra_sans
// edit still requires a restart to pick up a regenerated certificate.
func watchConfig(ctx context.Context, w *config.Watcher, pool *sessionpool.Pool, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			pool.SetMaxAgents(cfg.MaxAgents)
			pool.SetSessionTimeout(cfg.SessionTimeout())
			logger.Info("config reloaded", "path", ev.Path, "max_agents", cfg.MaxAgents,
				"session_timeout", cfg.SessionTimeout())
		}
	}
}

func httpScheme(tlsEnabled bool) string {
	if tlsEnabled {
		return "https"
	}
	return "http"
}

// localAdvertiseHost resolves a concrete address to show in the pairing URL
// when the bridge is bound to the wildcard address.
func localAdvertiseHost() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func printBanner(minted bool, pairURL string, mgr *pairing.Manager, id tlsidentity.Identity) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		if minted {
			fmt.Println("pairing code:", mgr.Code())
			fmt.Println("pairing url:", mgr.PairingURL(pairURL))
		}
		return
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	code := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")).Padding(0, 1)

	fmt.Println(title.Render("ACP Bridge"))
	if minted {
		fmt.Println(dim.Render("pairing code (expires in 60s):"))
		fmt.Println(code.Render(mgr.Code()))
		fmt.Println(dim.Render("pairing url: ") + mgr.PairingURL(pairURL))
	}
	if id.Fingerprint != "" {
		fmt.Println(dim.Render("cert fingerprint: ") + id.FingerprintShort() + "...")
	}
}

func fatalStartup(code string, err error) {
	fmt.Fprintf(os.Stderr, "bridge: fatal startup error [%s]: %v\n", code, err)
	audit.Record("startup."+code, "", err.Error())
	_ = audit.Close()
	os.Exit(1)
}
