package cmd

import (
	"github.com/stokerd/stoker/app"
	"github.com/stokerd/stoker/config"
	"github.com/stokerd/stoker/internal/server"
	"github.com/stokerd/stoker/util/conf"
	"github.com/urfave/cli/v2"
)

var (
	daemonCmdDescription = `The daemon command starts a http server exposing the supervised
engine: a call endpoint, a state snapshot, health probes and
prometheus metrics.

The command launches the http server and blocks indefinitely,
processing incoming requests.`
	daemonCmd = &cli.Command{
		Name:        "daemon",
		Usage:       "Serve the supervised engine over http.",
		Description: daemonCmdDescription,
		Action:      daemonAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Aliases:  []string{"H"},
				Usage:    "The host to listen on.",
				Category: "http",
				EnvVars:  []string{"STOKER_SERVER__HOST"},
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"P"},
				Usage:    "The port to listen on.",
				Category: "http",
				EnvVars:  []string{"STOKER_SERVER__PORT"},
			},
			&cli.BoolFlag{
				Name:     "h2c",
				Usage:    "Enable HTTP/2 cleartext upgrade.",
				Category: "http",
				EnvVars:  []string{"STOKER_SERVER__H2C"},
			},
		},
	}
)

func daemonAction(ctx *cli.Context) error {
	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	httpConfig := cfg.Server
	if host := ctx.String("host"); host != "" {
		httpConfig.Host = host
	}
	if port := ctx.Int("port"); port != 0 {
		httpConfig.Port = port
	}
	if ctx.Bool("h2c") {
		httpConfig.H2c = true
	}

	application, err := app.New(ctx)
	if err != nil {
		return err
	}

	return application.Run(ctx.Context, server.Module(httpConfig))
}

func init() {
	rootApp.Commands = append(rootApp.Commands, daemonCmd)
}
