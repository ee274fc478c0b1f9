package cmd

import (
	"os"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var workerCmd = &cli.Command{
	Name:   "worker",
	Usage:  "Serve an engine over stdio. Spawned by the isolated-process strategy.",
	Hidden: true,
	Action: workerAction,
}

func workerAction(ctx *cli.Context) error {
	// stdout belongs to the protocol; all logging goes to stderr
	log, err := stderrLogger(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()

	runtime, err := worker.NewRuntime(worker.RuntimeParams{
		Factory: engine.MemoryFactory,
		Log:     log,
	})
	if err != nil {
		return err
	}

	if err := runtime.Serve(ctx.Context, os.Stdin, os.Stdout); err != nil {
		log.Error("worker runtime failed", zap.Error(err))
		return cli.Exit("worker runtime failed", 1)
	}

	return nil
}

func stderrLogger(ctx *cli.Context) (*zap.Logger, error) {
	level := getLogLevelFromCLI(ctx)

	config := zap.NewProductionConfig()
	config.Level = level
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.InitialFields = map[string]any{
		"app": appName + "-worker",
		"pid": os.Getpid(),
	}

	return config.Build()
}

func init() {
	rootApp.Commands = append(rootApp.Commands, workerCmd)
}
