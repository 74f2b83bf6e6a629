package main

import (
	"context"
	"net/http"

	"github.com/chriskillpack/whiskers"
	"github.com/chriskillpack/whiskers/action"
	"github.com/chriskillpack/whiskers/internal/pgstore"
	"github.com/chriskillpack/whiskers/llm"
	"github.com/chriskillpack/whiskers/relay"
	"go.uber.org/zap"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg    appConfig
	logger *zap.Logger

	w   *whiskers.Whiskers
	vdb *whiskers.VectorDB
	llm *llm.Client

	closers []func()
}

func newApp(ctx context.Context, cfg appConfig, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	w, err := whiskers.Init(whiskers.InitOptions{
		LlamaServer:       cfg.LlamaServer,
		LlamaSeed:         cfg.LlamaSeed,
		OllamaServer:      cfg.OllamaServer,
		OllamaVisionModel: cfg.VisionModel,
		OllamaEmbedModel:  cfg.EmbedModel,
		OpenAI:            cfg.OpenAI,
		HttpClient:        &http.Client{Timeout: cfg.HTTPTimeout},
	})
	if err != nil {
		return nil, err
	}
	a.w = w

	var store whiskers.Store
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		store = pg
	} else {
		db, err := whiskers.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store = db
	}
	a.vdb = whiskers.NewVectorDB(store, w.Embedder)

	authMode, err := llm.ParseAuthMode(cfg.AuthMode)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.llm = llm.New(llm.Config{
		Host:       cfg.OllamaHost,
		Credential: cfg.Auth,
		Scheme:     cfg.Scheme,
		AuthMode:   authMode,
		HTTPClient: &http.Client{Timeout: cfg.LLMTimeout},
		Relay: relay.Options{
			Sink:        cfg.sink(),
			KeepPartial: cfg.KeepPartial,
			Logger:      logger.Named("relay"),
		},
	})

	logger.Info("initialized",
		zap.String("describer", w.Name()),
		zap.String("vision_model", w.Model()),
		zap.String("embed_model", w.Embedder.Model()),
		zap.Bool("postgres", cfg.PostgresDSN != ""),
		zap.Bool("streaming", cfg.StreamHost != ""),
	)
	return a, nil
}

func (a *app) actions() []action.Action {
	return []action.Action{
		action.NewRAG(a.cfg.ragConfig(), a.vdb, a.llm, a.logger.Named("rag_img")),
		action.NewImageLoader(a.cfg.Collection, a.w, a.vdb, a.logger.Named("loader_img")),
		action.NewVDBLoader(a.vdb, a.w, a.logger.Named("loader")),
	}
}

func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
}
