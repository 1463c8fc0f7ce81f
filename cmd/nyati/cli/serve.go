package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nyatishield/nyati/internal/cache"
	"github.com/nyatishield/nyati/internal/chat"
	"github.com/nyatishield/nyati/internal/config"
	"github.com/nyatishield/nyati/internal/forward"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/safego"
	"github.com/nyatishield/nyati/internal/server"
	"github.com/nyatishield/nyati/internal/service"
	"github.com/nyatishield/nyati/internal/shaper"
	"github.com/nyatishield/nyati/internal/telemetry"
)

const banner = `
 _   ___   ___  _____ ___
| \ | \ \ / / \|_   _|_ _|
|  \| |\ V / _ \ | |  | |
|_|\__| |_/_/ \_\|_| |___|
`

// counterPruneInterval is how often expired SQL rate counters are removed.
const counterPruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Nyati proxy server",
		Long:  "Start the HTTP server that authenticates API keys and forwards requests upstream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(s, dev)

	fmt.Print(banner)
	fmt.Println()

	// 1. Store
	store, err := openStore(s)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("store initialized", "driver", store.Dialect())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Metrics
	metrics := telemetry.NewMetrics()
	metrics.RegisterDB(store.DB(), "nyati")
	metrics.SetBuildInfo(versionString(), telemetry.ResolveInstanceID(ctx, store))

	// 3. Rate limit counters
	checks := map[string]func(context.Context) error{}
	var counters ratelimit.Counters = store
	if s.Limits.Backend == "redis" {
		rc, err := ratelimit.NewRedisCounters(s.Redis.URL, logger)
		if err != nil {
			return fmt.Errorf("init redis counters: %w", err)
		}
		defer rc.Close()
		counters = rc
		checks["redis"] = rc.Ping
		logger.Info("rate limit counters in redis")
	} else {
		safego.Go(logger, "counter janitor", func() {
			pruneCounters(ctx, store, logger, counterPruneInterval)
		})
	}
	limiter := ratelimit.New(counters, ratelimit.Config{
		PerMinute: s.Limits.PerMinute,
		PerDay:    s.Limits.PerDay,
		Timeout:   s.Limits.StoreTimeout,
		Policy:    ratelimit.DefaultPolicy,
	}, logger, ratelimit.WithRecorder(metrics))

	// 4. Key validation
	resolver := service.NewKeyResolver(store, cache.New(s.Cache.Size, s.Cache.TTL), logger)

	// 5. Shaping and forwarding
	pools := newPools(s.Upstream)
	for _, p := range shaper.Providers() {
		if pools[p].Len() == 0 {
			logger.Warn("no upstream credentials configured", "provider", p.String())
		}
	}
	forwarder := forward.New(s.Upstream.Timeout, logger)
	redactor := forward.NewRedactor(s.Redact.Words, s.Redact.Marker)
	chatClient := chat.NewClient(s.AI.URL, s.Shaper.MaxTokens, s.Upstream.Timeout)

	// 6. Telemetry sink
	sink := telemetry.NewSink(store, telemetry.SinkConfig{
		Workers: s.Telemetry.Workers,
		Queue:   s.Telemetry.Queue,
		Timeout: s.Telemetry.Timeout,
	}, metrics, logger)

	// 7. Admin auth
	jwtSecret := s.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("auth.jwt_secret not set; admin sessions will not survive a restart")
	}
	authSvc := service.NewAuthService(store, jwtSecret)
	keySvc := service.NewKeyService(store)

	hasAdmin, err := store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: nyati admin create")
	}

	// 8. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = s.Server.Host
	srvCfg.Port = s.Server.Port
	srvCfg.ShutdownTimeout = s.Server.ShutdownTimeout
	srvCfg.CORSOrigins = s.Server.CORSOrigins
	srvCfg.MaxBodySize = s.Server.MaxBodySize
	srvCfg.IPRateLimit = s.Server.IPRateLimit
	srvCfg.MaxTokens = s.Shaper.MaxTokens
	srvCfg.TestMessageLimit = s.Shaper.TestMessageLimit
	srvCfg.SessionTTL = s.Auth.JWTExpiry
	srvCfg.EnableMetrics = s.Metrics.Enabled

	srv := server.New(srvCfg, server.Deps{
		Store:     store,
		AuthSvc:   authSvc,
		KeySvc:    keySvc,
		Resolver:  resolver,
		Limiter:   limiter,
		Forwarder: forwarder,
		Pools:     pools,
		Redactor:  redactor,
		Chat:      chatClient,
		Sink:      sink,
		Metrics:   metrics,
		Checks:    checks,
	}, logger)

	fmt.Printf("→ Nyati %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Proxy:      http://%s:%d/api/v1/proxy\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Limits:     %d/min per key, %d/day per account (%s)\n",
		s.Limits.PerMinute, s.Limits.PerDay, s.Limits.Backend)
	fmt.Println()

	return srv.ListenAndServe()
}

// newPools builds one credential pool per provider.
func newPools(u config.UpstreamSettings) shaper.Pools {
	return shaper.Pools{
		shaper.OpenAI:     shaper.NewCredentialPool(u.OpenAIKeys, shaper.OpenAI.KeyPrefix()),
		shaper.Anthropic:  shaper.NewCredentialPool(u.AnthropicKeys, shaper.Anthropic.KeyPrefix()),
		shaper.Groq:       shaper.NewCredentialPool(u.GroqKeys, shaper.Groq.KeyPrefix()),
		shaper.OpenRouter: shaper.NewCredentialPool(u.OpenRouterKeys, shaper.OpenRouter.KeyPrefix()),
	}
}

// pruneCounters deletes expired SQL counters every interval until ctx ends.
func pruneCounters(ctx context.Context, store *config.Store, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := store.PruneCounters(pctx, now)
			cancel()
			if err != nil {
				logger.Warn("prune rate counters failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned rate counters", "rows", n)
			}
		}
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
