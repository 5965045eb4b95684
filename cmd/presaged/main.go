package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/presage-io/presage/internal/auth"
	"github.com/presage-io/presage/internal/config"
	"github.com/presage-io/presage/internal/event"
	"github.com/presage-io/presage/internal/lifecycle"
	signalmod "github.com/presage-io/presage/internal/platform/signal"
	"github.com/presage-io/presage/internal/platform/whatsapp"
	"github.com/presage-io/presage/internal/server"
	"github.com/presage-io/presage/internal/store"
	"github.com/presage-io/presage/internal/tracker"
	"github.com/presage-io/presage/internal/version"
	"github.com/presage-io/presage/internal/ws"
	"github.com/presage-io/presage/pkg/models"
	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			runToken(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Presage server starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	// Open database
	dbPath := viperCfg.GetString("database.dsn")
	if dbPath == "" {
		dbPath = "presage.db"
	}
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	bus := event.NewBus(logger.Named("event"))
	mgr := lifecycle.New(logger.Named("lifecycle"))

	// Compose modules. Platform adapters register first so the tracker can
	// subscribe to their receipt streams on start.
	trackerMod := tracker.New()
	platforms := make([]models.Platform, 0, 2)
	var modules []plugin.Module

	if viperCfg.GetBool("modules.whatsapp.enabled") {
		wa := whatsapp.New()
		trackerMod.RegisterProvider(wa)
		platforms = append(platforms, models.PlatformWhatsApp)
		modules = append(modules, wa)
	}
	if viperCfg.GetBool("modules.signal.enabled") {
		if viperCfg.GetString("modules.signal.account") == "" {
			logger.Warn("signal module enabled without modules.signal.account, skipping",
				zap.String("component", "signal"),
			)
		} else {
			sig := signalmod.New()
			trackerMod.RegisterProvider(sig)
			platforms = append(platforms, models.PlatformSignal)
			modules = append(modules, sig)
		}
	}
	if len(platforms) == 0 {
		logger.Fatal("no platform adapters enabled; enable modules.whatsapp or modules.signal")
	}
	modules = append(modules, trackerMod)

	for _, m := range modules {
		if err := mgr.Register(m); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}
	if err := mgr.Validate(); err != nil {
		logger.Fatal("module validation failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config: cfg.Sub("modules." + name),
			Logger: logger.Named(name),
			Bus:    bus,
			Store:  db,
		}
	}); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	if err := mgr.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	// Token service. Without a configured secret, tokens issued by the
	// `presaged token` subcommand cannot match, so warn loudly.
	jwtSecret := viperCfg.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			logger.Fatal("failed to generate JWT secret", zap.Error(err))
		}
		jwtSecret = hex.EncodeToString(b)
		logger.Warn("no auth.jwt_secret configured; using ephemeral secret (tokens will not survive restarts)",
			zap.String("component", "auth"),
		)
	}
	tokenTTL := viperCfg.GetDuration("auth.token_ttl")
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	tokens := auth.NewTokenService([]byte(jwtSecret), tokenTTL)
	logger.Info("token service initialized",
		zap.String("component", "auth"),
		zap.Duration("token_ttl", tokenTTL),
	)

	wsHandler := ws.NewHandler(tokens, bus, trackerMod, platforms, logger.Named("ws"))

	addr := fmt.Sprintf("%s:%d", viperCfg.GetString("server.host"), viperCfg.GetInt("server.port"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		if err := db.DB().PingContext(ctx); err != nil {
			return err
		}
		return trackerMod.Healthy(ctx)
	})
	readOnly := viperCfg.GetBool("server.read_only")
	srv := server.New(addr, mgr, logger, readyCheck, &authRegistrar{tokens: tokens}, readOnly, wsHandler)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Presage server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	mgr.StopAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("Presage server stopped")
}

// runToken issues a bearer token from the configured JWT secret, for API
// and WebSocket clients. Requires auth.jwt_secret to be set; tokens minted
// against an ephemeral server secret would never validate.
func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "cli", "token subject")
	_ = fs.Parse(args)

	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	jwtSecret := viperCfg.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "auth.jwt_secret is not configured; the server uses an ephemeral secret and this token would not validate")
		os.Exit(1)
	}
	tokenTTL := viperCfg.GetDuration("auth.token_ttl")
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}

	tokens := auth.NewTokenService([]byte(jwtSecret), tokenTTL)
	token, err := tokens.Issue(*subject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

// authRegistrar adapts the token service to the server's RouteRegistrar.
// Tokens are minted out of band by the `presaged token` subcommand, so no
// auth routes are mounted; only the validation middleware is supplied.
type authRegistrar struct {
	tokens *auth.TokenService
}

func (a *authRegistrar) RegisterRoutes(_ *http.ServeMux) {}

func (a *authRegistrar) Middleware() func(http.Handler) http.Handler {
	return auth.Middleware(a.tokens)
}
