package app

import (
	"context"

	"github.com/stokerd/stoker/config"
	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/metrics"
	"github.com/stokerd/stoker/internal/shell"
	"github.com/stokerd/stoker/internal/supervisor"
	"github.com/stokerd/stoker/util/conf"
	"github.com/stokerd/stoker/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New builds the application shell shared by daemon-style commands. The
// shared module provides the config, the metrics registry and a
// lifecycle-managed supervisor.
func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(cfg),
		// provide metrics registry
		fx.Provide(metrics.New),
		// provide lifecycle-managed supervisor
		fx.Provide(NewLifecycleSupervisor),
	)

	return shell.New(log, sharedModule), nil
}

// NewLifecycleSupervisor constructs the supervisor and ties its
// Initialize/Close to the fx lifecycle.
func NewLifecycleSupervisor(
	cfg config.Config,
	m *metrics.Metrics,
	log *zap.Logger,
	lc fx.Lifecycle,
) (*supervisor.EngineSupervisor, error) {
	sup, err := supervisor.New(supervisor.Params{
		RootPath:      cfg.RootPath,
		EngineConfig:  cfg.Engine,
		Config:        cfg.Supervisor,
		EngineFactory: engine.MemoryFactory,
		Metrics:       m,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sup.Initialize(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return sup.Close(ctx)
		},
	})

	return sup, nil
}
