package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
	"github.com/bazaar-hub/gatekeeper/internal/config"
	"github.com/bazaar-hub/gatekeeper/internal/httpapi"
	"github.com/bazaar-hub/gatekeeper/internal/obs"
	"github.com/bazaar-hub/gatekeeper/internal/store/pg"
	"github.com/bazaar-hub/gatekeeper/internal/store/redisstream"
	"github.com/bazaar-hub/gatekeeper/internal/supervise"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv(config.PathEnvVar), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hierarchy := roles(cfg.Roles.Hierarchy)
	superAdmins := roles(cfg.Roles.SuperAdmins)
	grants, err := auth.LoadGrants(cfg.Roles.PolicyPath, auth.GrantSubjects(hierarchy, superAdmins))
	if err != nil {
		return err
	}
	model, err := auth.NewModel(hierarchy, superAdmins, auth.WithGrants(grants))
	if err != nil {
		return fmt.Errorf("role model: %w", err)
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
	)
	if err != nil {
		return err
	}

	var pingers []httpapi.Pinger

	var pgStore *pg.Store
	if cfg.Auth.UserStore == "postgres" || cfg.Audit.Backend == "postgres" {
		pgStore, err = pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		pingers = append(pingers, pgStore)
	}

	var users auth.UserStore = auth.NewMemoryUserStore()
	if cfg.Auth.UserStore == "postgres" {
		users = pgStore
	}

	var (
		eventStore audit.Store
		reader     audit.Reader
	)
	switch cfg.Audit.Backend {
	case "postgres":
		eventStore, reader = pgStore, pgStore
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs := redisstream.New(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen)
		eventStore, reader = rs, rs
		pingers = append(pingers, rs)
	default:
		eventStore = audit.NewLogStore(nil)
	}

	recorder := audit.NewRecorder(eventStore, audit.Config{
		BufferSize:       cfg.Audit.BufferSize,
		WriteTimeout:     cfg.Audit.WriteTimeout,
		FailureThreshold: cfg.Audit.FailureThreshold,
		OpenTimeout:      cfg.Audit.OpenTimeout,
	})

	var resolverOpts []auth.ResolverOption
	if cfg.Auth.LiveSubjectCheck {
		resolverOpts = append(resolverOpts, auth.WithSubjectSource(users))
	}
	resolver := auth.NewSessionResolver(tokens, model, resolverOpts...)

	guardOpts := []httpapi.GuardOption{httpapi.WithCookieName(cfg.Auth.CookieName)}
	if cfg.Audit.RecordAnonymous {
		guardOpts = append(guardOpts, httpapi.WithDenialPolicy(httpapi.RecordAllDenials))
	}
	guard := httpapi.NewGuard(resolver, auth.NewEngine(model), recorder, guardOpts...)
	accounts := auth.NewAccountService(users, tokens, model, recorder)

	if err := bootstrapAdmin(ctx, accounts, users, cfg.Auth, superAdmins, hierarchy); err != nil {
		return err
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = httpapi.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	api := httpapi.New(guard, accounts, reader, httpapi.ReadyProbe{Pingers: pingers}, httpapi.Config{
		Version:        version,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		SecureCookies:  cfg.Auth.CookieSecure,
		TrustedProxies: proxies,
		RateLimiter:    limiter,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sup := supervise.New("gatekeeper", logger, cfg.Server.ShutdownTimeout)
	sup.Add(recorder)
	sup.Add(supervise.NewHTTPService(httpSrv, cfg.Server.ShutdownTimeout))
	if cfg.Server.GRPCAddr != "" {
		grpcSrv, _ := httpapi.NewGRPCServer(guard, httpapi.MethodRequirements{Fallback: auth.Authenticated()})
		sup.Add(supervise.NewGRPCService(grpcSrv, cfg.Server.GRPCAddr))
	}
	if limiter != nil {
		sup.Add(limiter)
	}

	logger.Info().
		Str("version", version).
		Str("http_addr", cfg.Server.HTTPAddr).
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("user_store", cfg.Auth.UserStore).
		Str("audit_backend", cfg.Audit.Backend).
		Bool("live_subject_check", cfg.Auth.LiveSubjectCheck).
		Msg("starting gatekeeper")

	err = sup.Serve(ctx)
	logger.Info().Int("pending_events", recorder.Pending()).Msg("stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func roles(names []string) []auth.Role {
	out := make([]auth.Role, 0, len(names))
	for _, n := range names {
		out = append(out, auth.Role(n))
	}
	return out
}

// bootstrapAdmin provisions the configured administrator unless an account
// with that email already exists.
func bootstrapAdmin(ctx context.Context, accounts *auth.AccountService, users auth.UserStore, cfg config.AuthConfig, superAdmins, hierarchy []auth.Role) error {
	if cfg.BootstrapEmail == "" {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := users.FindByEmail(lookupCtx, cfg.BootstrapEmail); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup: %w", err)
	}

	role := hierarchy[len(hierarchy)-1]
	if len(superAdmins) > 0 {
		role = superAdmins[0]
	}
	u, err := accounts.CreateAccount(lookupCtx, auth.User{
		Email: cfg.BootstrapEmail,
		Name:  "bootstrap administrator",
		Role:  role,
	}, cfg.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	l := obs.Logger()
	l.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Msg("bootstrap administrator created")
	return nil
}
