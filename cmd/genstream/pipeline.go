package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	mongostore "github.com/wangle201210/deepchat-sub006/features/store/mongo"
	clientsmongo "github.com/wangle201210/deepchat-sub006/features/store/mongo/clients/mongo"
	pulsesink "github.com/wangle201210/deepchat-sub006/features/stream/pulse"
	clientspulse "github.com/wangle201210/deepchat-sub006/features/stream/pulse/clients/pulse"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/assembler"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/telemetry"
)

type (
	// messageStore is the store surface the CLI needs: the pipeline edits
	// messages, the CLI creates them and reads them back.
	messageStore interface {
		store.MessageStore
		Create(ctx context.Context, messageID string, content []byte) error
		Get(ctx context.Context, messageID string) ([]byte, error)
	}

	// pipeline holds the wired components shared by replay and live turns.
	pipeline struct {
		assembler *assembler.Assembler
		scheduler *coalesce.Scheduler
		display   stream.Sink
		store     messageStore
		logger    telemetry.Logger

		redis   *redis.Client
		mongo   *mongodriver.Client
		pingers []health.Pinger
	}
)

// newPipeline wires the display sink, store, scheduler and assembler
// described by cfg. Display payloads written to stdout go to out.
func newPipeline(ctx context.Context, cfg *Config, out io.Writer) (*pipeline, error) {
	p := &pipeline{logger: telemetry.NewClueLogger()}
	if cfg.Redis != nil {
		p.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
	}
	display, err := p.newDisplay(cfg, out)
	if err != nil {
		p.Close(ctx)
		return nil, err
	}
	p.display = display
	st, err := p.newStore(cfg)
	if err != nil {
		p.Close(ctx)
		return nil, err
	}
	p.store = st
	sched, err := coalesce.New(coalesce.Options{
		Display:        p.display,
		Store:          p.store,
		RenderInterval: cfg.RenderInterval,
		StoreInterval:  cfg.StoreInterval,
		StoreTimeout:   cfg.StoreTimeout,
		Logger:         p.logger,
		Metrics:        telemetry.NewClueMetrics(),
	})
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	p.scheduler = sched
	asm, err := assembler.New(assembler.Options{
		Scheduler: sched,
		Store:     p.store,
		Logger:    p.logger,
		Tracer:    telemetry.NewClueTracer(),
	})
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("create assembler: %w", err)
	}
	p.assembler = asm
	return p, nil
}

func (p *pipeline) newDisplay(cfg *Config, out io.Writer) (stream.Sink, error) {
	var sinks []stream.Sink
	if cfg.Sink.Kind == sinkStdout || cfg.Sink.Kind == sinkBoth {
		sinks = append(sinks, stream.NewWriterSink(out))
	}
	if cfg.usesPulse() {
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:        p.redis,
			StreamMaxLen: cfg.Sink.StreamMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("create pulse client: %w", err)
		}
		p.pingers = append(p.pingers, pc)
		ps, err := pulsesink.NewSink(pulsesink.Options{Client: pc})
		if err != nil {
			return nil, fmt.Errorf("create pulse sink: %w", err)
		}
		sinks = append(sinks, ps)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return stream.NewFanout(sinks...), nil
}

func (p *pipeline) newStore(cfg *Config) (messageStore, error) {
	if cfg.Store.Kind != storeMongo {
		return store.NewMemory(), nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Store.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	p.mongo = mc
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:     mc,
		Database:   cfg.Store.Database,
		Collection: cfg.Store.Collection,
	})
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}
	p.pingers = append(p.pingers, client)
	st, err := mongostore.NewStore(client)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Ping checks every remote dependency of the pipeline.
func (p *pipeline) Ping(ctx context.Context) error {
	var errs []error
	for _, pg := range p.pingers {
		if err := pg.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pg.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close waits for pending store writes and releases the remote connections.
func (p *pipeline) Close(ctx context.Context) {
	if p.scheduler != nil {
		p.scheduler.Wait()
	}
	if p.display != nil {
		if err := p.display.Close(ctx); err != nil {
			log.Errorf(ctx, err, "close display sink")
		}
	}
	if p.mongo != nil {
		if err := p.mongo.Disconnect(ctx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}
}
