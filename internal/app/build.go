package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/bridge"
	"github.com/ent0n29/medintel/internal/config"
	"github.com/ent0n29/medintel/internal/fanout"
	"github.com/ent0n29/medintel/internal/genai"
	"github.com/ent0n29/medintel/internal/generation"
	"github.com/ent0n29/medintel/internal/history"
	"github.com/ent0n29/medintel/internal/httpapi"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/logging"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/pipeline"
	"github.com/ent0n29/medintel/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Pipeline *pipeline.Pipeline
	Registry *fanout.Registry
	Bridge   *bridge.Service
	Metrics  *observability.Metrics

	// Relay is nil unless REDIS_URL is set. Run it with Registry.DeliverLocal.
	Relay *fanout.RedisRelay

	// Cleanup should be called on shutdown to release external resources (DB, redis).
	Cleanup func() error
}

// Build resolves secrets and wires every collaborator behind the HTTP surface.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	var awsCfg *aws.Config
	if cfg.SSMParamPrefix != "" || cfg.StoreDriver == store.DriverDynamoDB {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}
	if cfg.SSMParamPrefix != "" {
		resolved, err := config.ApplySecrets(ctx, cfg, ssm.NewFromConfig(*awsCfg))
		if err != nil {
			return nil, err
		}
		cfg = resolved
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		DynamoTable: cfg.DynamoTable,
		AWS:         awsCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	backend, mode, err := resolveBackend(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Info().Str("mode", mode).Strs("models", cfg.GenerationModels).Msg("generation backend ready")

	genCfg := generation.DefaultConfig()
	genCfg.Models = cfg.GenerationModels
	genCfg.MaxRetries = cfg.MaxRetries
	genCfg.BaseDelay = cfg.RetryBaseDelay
	genCfg.AdvanceOnRateLimit = cfg.AdvanceOnRateLimit
	genCfg.Temperature = cfg.Temperature
	genCfg.MaxOutputTokens = cfg.MaxOutputTokens

	orchestrator, err := generation.New(backend, history.NewLoader(st, cfg.HistoryLimit), genCfg, logger, metrics)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("generation init failed: %w", err)
	}

	registry := fanout.NewRegistry(cfg.FanoutSendTimeout, logger, metrics)
	var relay *fanout.RedisRelay
	if cfg.RedisURL != "" {
		relay, err = fanout.NewRedisRelay(ctx, cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("fanout relay init failed: %w", err)
		}
		registry.SetRelay(relay)
	}

	turns, err := pipeline.New(st, orchestrator, registry, logger, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var sender bridge.Sender
	if cfg.BridgeEnabled() {
		twilio, err := bridge.NewTwilioSender(bridge.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioWhatsAppNumber,
			BaseURL:    cfg.TwilioBaseURL,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("bridge init failed: %w", err)
		}
		sender = twilio
	} else {
		logger.Warn().Msg("twilio credentials not set, messaging bridge disabled")
	}
	bridgeLang, _ := language.Parse(cfg.BridgeLanguage)
	svc := bridge.NewService(sender, turns, bridgeLang, logger, metrics)

	api := httpapi.New(cfg, httpapi.Deps{
		Turns:       turns,
		Registry:    registry,
		Bridge:      svc,
		Attachments: attachment.NewProcessor(cfg.MaxUploadBytes, nil),
		Metrics:     metrics,
		Logger:      logging.Component(logger, "api"),
	})

	cleanup := func() error {
		var errs []string
		if relay != nil {
			if err := relay.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Pipeline: turns,
		Registry: registry,
		Bridge:   svc,
		Metrics:  metrics,
		Relay:    relay,
		Cleanup:  cleanup,
	}, nil
}

func resolveBackend(cfg config.Config) (genai.Backend, string, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return genai.NewMockBackend(), "mock", nil
	}
	b, err := genai.NewGeminiBackend(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GenerationTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("gemini backend init failed: %w", err)
	}
	return b, "gemini", nil
}
