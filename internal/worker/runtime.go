package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/protocol"
	"github.com/stokerd/stoker/internal/worker/schema"
	"github.com/stokerd/stoker/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errShutdown terminates the serve loop after a clean shutdown handshake.
var errShutdown = errors.New("shutdown requested")

// memoryReportInterval is how often the runtime pushes unsolicited
// memory reports, in addition to the report after every call.
const memoryReportInterval = 15 * time.Second

type RuntimeParams struct {
	// Factory creates the engine served by this worker process.
	Factory engine.Factory

	// Log is the logger to use. In a worker process it must write to
	// stderr only; stdout belongs to the protocol.
	Log *zap.Logger
}

// Runtime serves an engine over the line protocol. It is the code that
// runs inside the worker process: it reads envelopes from in, dispatches
// them to the engine, and writes responses and events to out.
type Runtime struct {
	factory engine.Factory
	schema  *schema.Schema

	engine      engine.Engine
	writer      *protocol.Writer
	unsubscribe func()

	log *zap.Logger
}

func NewRuntime(params RuntimeParams) (*Runtime, error) {
	envelopeSchema, err := schema.NewEnvelopeSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope schemas: %w", err)
	}

	return &Runtime{
		factory: params.Factory,
		schema:  envelopeSchema,
		log:     params.Log.Named("runtime"),
	}, nil
}

// Serve runs the request loop until shutdown is requested or in is
// closed. Requests are handled sequentially, in arrival order.
func (r *Runtime) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r.writer = protocol.NewWriter(out)

	// first half of the handshake: the process is up
	if err := r.writer.Write(protocol.Envelope{
		Type:          protocol.TypeReady,
		MemoryUsageMB: selfMemoryMB(),
	}); err != nil {
		return fmt.Errorf("failed to send boot ready: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.serveLoop(gctx, in)
	})

	g.Go(func() error {
		return r.memoryLoop(gctx)
	})

	err := g.Wait()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}

	if errors.Is(err, errShutdown) || errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func (r *Runtime) serveLoop(ctx context.Context, in io.Reader) error {
	reader := protocol.NewReader(in)

	for {
		env, err := reader.Read()
		if errors.Is(err, protocol.ErrMalformedLine) {
			// a stray line on stdin must not take down the pipe
			r.log.Warn("discarding malformed line", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}

		if err := r.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (r *Runtime) memoryLoop(ctx context.Context) error {
	ticker := time.NewTicker(memoryReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reportMemory()
		}
	}
}

func (r *Runtime) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeInit:
		return r.handleInit(ctx, env)
	case protocol.TypeCall:
		r.handleCall(ctx, env)
		return nil
	case protocol.TypePing:
		return r.writer.Write(protocol.Envelope{
			Type: protocol.TypePong,
			ID:   env.ID,
		})
	case protocol.TypeShutdown:
		return r.handleShutdown(ctx)
	default:
		r.log.Warn("discarding unexpected envelope",
			zap.String("type", string(env.Type)),
		)
		return nil
	}
}

func (r *Runtime) handleInit(ctx context.Context, env protocol.Envelope) error {
	var config engine.Config

	if len(env.Config) > 0 {
		if err := r.schema.ValidateBytes(schema.SchemaTypeConfig, env.Config); err != nil {
			return r.fatal(fmt.Errorf("invalid engine config: %w", err))
		}

		if err := json.Unmarshal(env.Config, &config); err != nil {
			return r.fatal(fmt.Errorf("failed to decode engine config: %w", err))
		}
	}

	eng := r.factory(r.log)

	if err := eng.Initialize(ctx, env.RootPath, config); err != nil {
		return r.fatal(fmt.Errorf("failed to initialize engine: %w", err))
	}

	r.engine = eng
	r.unsubscribe = eng.OnEvent(func(name string, data map[string]any) {
		if err := r.writer.Write(protocol.Envelope{
			Type: protocol.TypeEvent,
			Name: name,
			Data: data,
		}); err != nil {
			r.log.Error("failed to forward engine event", zap.Error(err))
		}
	})

	r.log.Info("engine initialized", zap.String("root", env.RootPath))

	// second half of the handshake: the engine is constructed
	return r.writer.Write(protocol.Envelope{
		Type:          protocol.TypeReady,
		MemoryUsageMB: selfMemoryMB(),
	})
}

func (r *Runtime) handleCall(ctx context.Context, env protocol.Envelope) {
	result, err := r.dispatch(ctx, env)

	reply := protocol.Envelope{
		Type: protocol.TypeResult,
		ID:   env.ID,
	}

	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Success = true
		reply.Value = result
	}

	if err := r.writer.Write(reply); err != nil {
		r.log.Error("failed to send result",
			zap.String("id", env.ID),
			zap.Error(err),
		)
		return
	}

	// keep the host's memory figure fresh on every call
	r.reportMemory()
}

func (r *Runtime) dispatch(ctx context.Context, env protocol.Envelope) (engine.Result, error) {
	doc := map[string]any{
		"id":     env.ID,
		"method": env.Method,
	}
	if env.Args != nil {
		doc["args"] = env.Args
	}

	if err := r.schema.Validate(schema.SchemaTypeCall, doc); err != nil {
		return nil, err
	}

	if r.engine == nil {
		return nil, engine.ErrNotInitialized
	}

	method, err := engine.ParseMethod(env.Method)
	if err != nil {
		return nil, err
	}

	return r.engine.Call(ctx, method, env.Args)
}

func (r *Runtime) handleShutdown(ctx context.Context) error {
	if err := r.writer.Write(protocol.Envelope{
		Type: protocol.TypeShuttingDown,
	}); err != nil {
		r.log.Error("failed to acknowledge shutdown", zap.Error(err))
	}

	if r.engine != nil {
		if err := r.engine.Close(ctx); err != nil {
			r.log.Error("engine close failed", zap.Error(err))
		}
	}

	r.log.Info("shutting down")

	return errShutdown
}

func (r *Runtime) fatal(err error) error {
	r.log.Error("fatal worker error", zap.Error(err))

	if werr := r.writer.Write(protocol.Envelope{
		Type:    protocol.TypeFatalError,
		Message: err.Error(),
		Fatal:   true,
	}); werr != nil {
		r.log.Error("failed to report fatal error", zap.Error(werr))
	}

	return err
}

func (r *Runtime) reportMemory() {
	if err := r.writer.Write(protocol.Envelope{
		Type:          protocol.TypeMemoryReport,
		MemoryUsageMB: selfMemoryMB(),
	}); err != nil {
		r.log.Error("failed to report memory", zap.Error(err))
	}
}

func selfMemoryMB() float64 {
	mb, err := util.SelfMemoryMB()
	if err != nil {
		return 0
	}

	return mb
}
