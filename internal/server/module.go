package server

import "go.uber.org/fx"

func Module(config HttpConfig) fx.Option {
	return fx.Module("server",
		fx.Supply(config),
		fx.Provide(
			NewCallHandler,
			NewStateHandler,
			NewHealthHandler,
			NewMetricsHandler,
		),
		fx.Provide(NewLifecycleServer),
		fx.Invoke(func(*Server) {}),
	)
}
