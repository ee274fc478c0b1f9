package cmd

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stokerd/stoker/config"
	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/supervisor"
	"github.com/stokerd/stoker/util/conf"
	"github.com/stokerd/stoker/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	runCmdDescription = `The run command indexes a directory tree through the supervised
engine and optionally runs a search against the result. It is a
one-shot harness: it initializes the supervisor, feeds documents
in batches, prints stats and shuts down.

File discovery here is deliberately naive; the command exists to
exercise the supervisor, not to be an indexing pipeline.`
	runCmd = &cli.Command{
		Name:        "run",
		Usage:       "Index a directory through the supervised engine.",
		Description: runCmdDescription,
		Action:      runAction,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "the directory tree to index.",
				Value:   ".",
				EnvVars: []string{"STOKER_ROOT_PATH"},
			},
			&cli.StringFlag{
				Name:    "strategy",
				Aliases: []string{"s"},
				Usage:   "the restart strategy. Options: in-context, isolated-process, disabled.",
				EnvVars: []string{"STOKER_SUPERVISOR__STRATEGY"},
			},
			&cli.StringFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "a search query to run once indexing finished.",
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "the number of documents per indexBatch call.",
				Value:   64,
			},
		},
	}

	// textExtensions is the naive discovery filter of the run harness.
	textExtensions = map[string]bool{
		".txt": true, ".md": true, ".go": true, ".py": true,
		".js": true, ".ts": true, ".json": true, ".yaml": true,
		".yml": true, ".html": true, ".css": true,
	}
)

func runAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	if root := ctx.Path("root"); root != "" {
		cfg.RootPath = root
	}

	if strategy := ctx.String("strategy"); strategy != "" {
		cfg.Supervisor.Strategy = supervisor.StrategyKind(strategy)
	}

	sup, err := supervisor.New(supervisor.Params{
		RootPath:      cfg.RootPath,
		EngineConfig:  cfg.Engine,
		Config:        cfg.Supervisor,
		EngineFactory: engine.MemoryFactory,
		Log:           log,
	})
	if err != nil {
		return err
	}

	unsubscribe := sup.OnEvent("restart:completed", func(data map[string]any) {
		log.Info("engine restarted", zap.Any("data", data))
	})
	defer unsubscribe()

	if err := sup.Initialize(ctx.Context); err != nil {
		return err
	}
	defer sup.Close(ctx.Context)

	if err := indexTree(ctx, sup, cfg.RootPath, ctx.Int("batch-size"), log); err != nil {
		return err
	}

	if query := ctx.String("query"); query != "" {
		result, err := sup.Call(ctx.Context, engine.MethodSearch, []any{query})
		if err != nil {
			return err
		}

		if err := printJSON(result); err != nil {
			return err
		}
	}

	stats, err := sup.Call(ctx.Context, engine.MethodStats, nil)
	if err != nil {
		return err
	}

	state := sup.GetState()
	stats["restartCount"] = state.RestartCount
	stats["totalDocumentsProcessed"] = state.TotalDocs

	return printJSON(stats)
}

func indexTree(
	ctx *cli.Context,
	sup *supervisor.EngineSupervisor,
	root string,
	batchSize int,
	log *zap.Logger,
) error {
	if batchSize <= 0 {
		batchSize = 64
	}

	batch := make([]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		_, err := sup.Call(ctx.Context, engine.MethodIndexBatch, []any{batch})
		batch = batch[:0]

		return err
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		if !textExtensions[filepath.Ext(path)] {
			return nil
		}

		text, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		batch = append(batch, map[string]any{"id": rel, "text": string(text)})

		if len(batch) >= batchSize {
			return flush()
		}

		return nil
	})
	if err != nil {
		return err
	}

	return flush()
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func init() {
	rootApp.Commands = append(rootApp.Commands, runCmd)
}
