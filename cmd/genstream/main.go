// Command genstream drives the streaming assembly pipeline from the command
// line. It replays recorded agent events (JSON lines), runs live turns
// against a configured model provider, or prints the context window selected
// for a conversation history.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

func main() {
	var (
		configF  = flag.String("config", "", "YAML configuration file (defaults apply when empty)")
		eventsF  = flag.String("events", "-", "JSON lines file of agent events to replay (- reads stdin)")
		promptF  = flag.String("prompt", "", "Run a live turn against the configured provider with this user text")
		historyF = flag.String("history", "", "JSON history file used by -prompt and -select")
		selectF  = flag.Bool("select", false, "Print the context selected from -history and exit")
		pingF    = flag.Bool("ping", false, "Check the configured Redis and MongoDB connections before running")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load config")
	}

	var history *historyFile
	if *historyF != "" {
		if history, err = readHistory(*historyF); err != nil {
			log.Fatalf(ctx, err, "failed to load history")
		}
	}
	if *selectF {
		if history == nil {
			log.Fatal(ctx, fmt.Errorf("-select requires -history"))
		}
		if err := selectContext(history, cfg, os.Stdout); err != nil {
			log.Fatalf(ctx, err, "failed to select context")
		}
		return
	}

	// Create channel used by both the signal handler and the run goroutine
	// to notify the main goroutine when to stop.
	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	p, err := newPipeline(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf(ctx, err, "failed to create pipeline")
	}
	if *pingF {
		if err := p.Ping(ctx); err != nil {
			log.Fatalf(ctx, err, "dependency check failed")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if *promptF != "" {
			errc <- runLive(ctx, p, cfg, history, *promptF)
			return
		}
		errc <- runReplay(ctx, p, *eventsF)
	}()

	if err := <-errc; err != nil {
		log.Errorf(ctx, err, "exiting")
	}
	cancel()
	<-done
	p.Close(context.WithoutCancel(ctx))
	log.Printf(ctx, "exited")
}

func runReplay(ctx context.Context, p *pipeline, path string) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 -- path is an operator supplied flag
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}
	msgs, err := newReplayer(p).Run(ctx, in)
	for _, m := range msgs {
		if m != nil {
			log.Info(ctx, log.KV{K: "generation", V: m.ID}, log.KV{K: "status", V: string(m.Status)}, log.KV{K: "blocks", V: len(m.Blocks)})
		}
	}
	return err
}

func runLive(ctx context.Context, p *pipeline, cfg *Config, h *historyFile, prompt string) error {
	client, release, err := newModel(ctx, cfg, p)
	if err != nil {
		return err
	}
	defer release()
	var history []*message.Message
	if h != nil {
		history = h.History
	}
	msg, err := liveTurn(ctx, p, cfg, client, history, prompt)
	if msg != nil {
		log.Info(ctx, log.KV{K: "generation", V: msg.ID}, log.KV{K: "status", V: string(msg.Status)}, log.KV{K: "blocks", V: len(msg.Blocks)})
	}
	return err
}
