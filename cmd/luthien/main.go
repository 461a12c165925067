package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien/internal/authcache"
	"github.com/luthien-dev/luthien/internal/config"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/pipeline"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/policy/judge"
	"github.com/luthien-dev/luthien/internal/server"
	"github.com/luthien-dev/luthien/internal/upstream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// Set by the compiler via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "luthien",
	Short: "Luthien - policy-enforcing LLM gateway",
	Long: `Luthien interposes between LLM clients and upstream providers,
speaking the OpenAI chat-completions and Anthropic messages wire formats.
A configurable policy inspects and rewrites requests, responses and
streaming events; every transaction leaves an observability trail.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("luthien %s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability: bounded in-process channel, optional Redis pub/sub,
	// background drain into the durable event table.
	var emitterOpts []obs.EmitterOption
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse LUTHIEN_REDIS_URL: %w", err)
		}
		emitterOpts = append(emitterOpts, obs.WithRedis(redis.NewClient(redisOpts), cfg.RedisChannel))
	}
	emitter := obs.NewEmitter(emitterOpts...)
	defer emitter.Close()

	store, err := obs.OpenStore(cfg.EventStoreDSN, cfg.EventStoreTimeout, cfg.StrictBoot)
	if err != nil {
		return err
	}
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		store.Run(ctx, emitter.Events())
	}()

	// Upstream client.
	upstreamOpts := []upstream.Option{
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithDefaultMaxTokens(cfg.DefaultMaxTokens),
	}
	validateFormat := wire.FormatOpenAI
	if cfg.OpenAIBaseURL != "" {
		upstreamOpts = append(upstreamOpts, upstream.WithEndpoint(wire.FormatOpenAI, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicBaseURL != "" {
		upstreamOpts = append(upstreamOpts, upstream.WithEndpoint(wire.FormatAnthropic, cfg.AnthropicBaseURL, cfg.AnthropicAPIKey))
		if cfg.OpenAIBaseURL == "" {
			validateFormat = wire.FormatAnthropic
		}
	}
	up := upstream.NewClient(upstreamOpts...)

	// Credential cache, validating against the configured upstream.
	cache := authcache.New(
		func(ctx context.Context, apiKey string) (bool, error) {
			return up.ValidateKey(ctx, validateFormat, apiKey)
		},
		authcache.WithMode(cfg.AuthMode),
		authcache.WithTTLs(cfg.ValidTTL, cfg.InvalidTTL),
		authcache.WithAllowList(cfg.AllowedKeys),
	)

	// Policy registry: noop is always present; the judge policies need a
	// judge model.
	registry := policy.NewRegistry()
	if cfg.JudgeModel != "" {
		j := judge.NewLLMJudge(cfg.JudgeBaseURL, cfg.JudgeAPIKey, cfg.JudgeModel, cfg.JudgeTimeout)
		judge.RegisterToolCallJudge(registry, j, judge.WithKeepaliveInterval(cfg.KeepaliveInterval))
		judge.RegisterParallelRules(registry, j, judge.WithKeepaliveInterval(cfg.KeepaliveInterval))
	} else {
		logrus.Warn("LUTHIEN_JUDGE_MODEL not set; judge policies are unavailable")
	}

	driver := pipeline.NewDriver(registry, up, emitter,
		pipeline.WithMaxBodyBytes(cfg.MaxBodyBytes),
		pipeline.WithAuthCache(cache),
	)

	srv := server.NewServer(cfg, driver, registry, cache, emitter, server.WithVersion(version))
	err = srv.Run(ctx)

	// Give the store drain a moment to flush buffered events.
	select {
	case <-storeDone:
	case <-time.After(3 * time.Second):
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
