package app

import (
	"context"
	"fmt"
	"log"

	"github.com/lcorbo/voxhub/internal/config"
	"github.com/lcorbo/voxhub/internal/httpapi"
	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/observability"
	"github.com/lcorbo/voxhub/internal/pipeline"
	"github.com/lcorbo/voxhub/internal/recordings"
	"github.com/lcorbo/voxhub/internal/session"
	"github.com/lcorbo/voxhub/internal/stage"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Catalog  *modelcfg.Catalog
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the full service from configuration: catalog, config switch,
// stage adapters, pipeline coordinator, session registry, recording store
// and the HTTP surface.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := recordings.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("recording store init failed: %w", err)
	}

	catalog := modelcfg.NewCatalog()
	configs := modelcfg.NewSwitch(catalog.Configuration(cfg.DefaultLanguage, true))

	stt, llm, tts, err := buildAdapters(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	coordinator := pipeline.New(stt, llm, tts, metrics, pipeline.Config{
		STTTimeout:   cfg.STTTimeout,
		LLMTimeout:   cfg.LLMTimeout,
		TTSTimeout:   cfg.TTSTimeout,
		RetryBackoff: cfg.RetryBackoff,
	})

	deps := session.Deps{
		Coordinator:    coordinator,
		Configs:        configs,
		Recordings:     store,
		Metrics:        metrics,
		ConnectTimeout: cfg.ConnectTimeout,
		HistoryLimit:   cfg.HistoryLimit,
	}
	sessions := session.NewRegistry(deps, catalog, cfg.SessionInactivityTimeout)
	sessions.OnEvict(func(m *session.Machine) {
		log.Printf("session %s evicted for inactivity", m.ID())
	})

	api := httpapi.New(cfg, sessions, catalog, configs, store, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Catalog:  catalog,
		Metrics:  metrics,
		Cleanup:  store.Close,
	}, nil
}

// buildAdapters resolves the stage adapter set. Remote adapters wrap a mock
// fallback so a rejecting backend degrades the service instead of killing
// every turn.
func buildAdapters(cfg config.Config) (stt, llm, tts stage.Adapter, err error) {
	switch cfg.StageProvider {
	case "mock":
		log.Printf("stage provider: mock")
		return stage.NewMockAdapter(stage.KindSTT),
			stage.NewMockAdapter(stage.KindLLM),
			stage.NewMockAdapter(stage.KindTTS),
			nil
	case "remote":
		remote := stage.RemoteConfig{BaseURL: cfg.RemoteBaseURL, APIKey: cfg.RemoteAPIKey}
		build := func(kind stage.Kind) (stage.Adapter, error) {
			r, err := stage.NewRemoteAdapter(kind, remote)
			if err != nil {
				return nil, err
			}
			return stage.NewFailoverAdapter(r, stage.NewMockAdapter(kind)), nil
		}
		if stt, err = build(stage.KindSTT); err != nil {
			return nil, nil, nil, err
		}
		if llm, err = build(stage.KindLLM); err != nil {
			return nil, nil, nil, err
		}
		if tts, err = build(stage.KindTTS); err != nil {
			return nil, nil, nil, err
		}
		log.Printf("stage provider: remote (%s) with mock failover", cfg.RemoteBaseURL)
		return stt, llm, tts, nil
	default:
		return nil, nil, nil, fmt.Errorf("invalid STAGE_PROVIDER %q", cfg.StageProvider)
	}
}
