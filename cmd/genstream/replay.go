package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

const maxLineSize = 4 << 20

type (
	// replayer feeds recorded agent events through the pipeline. Each input
	// line is an event envelope optionally tagged with the generation it
	// belongs to; untagged lines go to a single default generation.
	replayer struct {
		p     *pipeline
		newID func() string
		now   func() time.Time
	}

	// routing is the part of a replay line that is not the event itself.
	routing struct {
		Generation string `json:"generation"`
		ParentID   string `json:"parent_id"`
		IsVariant  bool   `json:"is_variant"`
	}

	// run tracks one replayed generation. final and err are set by the turn
	// goroutine and read after it exits.
	run struct {
		id     string
		events chan event.Event
		final  *message.Message
		err    error
	}
)

func newReplayer(p *pipeline) *replayer {
	return &replayer{p: p, newID: uuid.NewString, now: time.Now}
}

// Run replays every line of in and returns the final messages in order of
// first appearance. Generations still open at the end of the input are
// finalized as if their stream had closed.
func (r *replayer) Run(ctx context.Context, in io.Reader) ([]*message.Message, error) {
	var (
		wg    sync.WaitGroup
		runs  = make(map[string]*run)
		order []*run
	)
	closeAll := func() {
		for _, rn := range order {
			if rn.events != nil {
				close(rn.events)
				rn.events = nil
			}
		}
		wg.Wait()
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rt routing
		if err := json.Unmarshal(raw, &rt); err != nil {
			closeAll()
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev, err := event.Unmarshal(raw)
		if errors.Is(err, event.ErrUnknownType) {
			r.p.logger.Warn(ctx, "unknown event type ignored", "line", line, "err", err)
			continue
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rn, ok := runs[rt.Generation]
		if !ok {
			rn, err = r.start(ctx, rt, &wg)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			runs[rt.Generation] = rn
			order = append(order, rn)
		}
		if rn.events == nil {
			r.p.logger.Warn(ctx, "event after end of generation ignored", "generation", rn.id, "line", line)
			continue
		}
		select {
		case rn.events <- ev:
		case <-ctx.Done():
			closeAll()
			return nil, ctx.Err()
		}
		if _, end := ev.(event.End); end {
			close(rn.events)
			rn.events = nil
		}
	}
	closeAll()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	msgs := make([]*message.Message, 0, len(order))
	var errs []error
	for _, rn := range order {
		msgs = append(msgs, rn.final)
		if rn.err != nil {
			errs = append(errs, fmt.Errorf("generation %s: %w", rn.id, rn.err))
		}
	}
	return msgs, errors.Join(errs...)
}

// start creates the assistant message of a new generation in the store and
// runs its turn in the background.
func (r *replayer) start(ctx context.Context, rt routing, wg *sync.WaitGroup) (*run, error) {
	id := rt.Generation
	if id == "" {
		id = r.newID()
	}
	msg := &message.Message{
		ID:        id,
		ParentID:  rt.ParentID,
		Role:      message.RoleAssistant,
		Status:    message.StatusPending,
		IsVariant: rt.IsVariant,
		CreatedAt: r.now().UTC(),
	}
	content, err := msg.Content()
	if err != nil {
		return nil, err
	}
	if err := r.p.store.Create(ctx, id, content); err != nil {
		return nil, fmt.Errorf("create message %s: %w", id, err)
	}
	rn := &run{id: id, events: make(chan event.Event, 64)}
	events := rn.events
	wg.Add(1)
	go func() {
		defer wg.Done()
		rn.final, rn.err = r.p.assembler.Run(ctx, msg, events)
		for range events {
		}
	}()
	return rn, nil
}
