package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of the
// display sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) payloads(t *testing.T) []stream.Payload {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stream.Payload
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var p stream.Payload
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		out = append(out, p)
	}
	return out
}

func newTestPipeline(t *testing.T) (*pipeline, *lockedBuffer) {
	t.Helper()
	cfg := defaultConfig()
	cfg.RenderInterval = time.Millisecond
	cfg.StoreInterval = time.Millisecond
	out := &lockedBuffer{}
	p, err := newPipeline(context.Background(), cfg, out)
	require.NoError(t, err)
	return p, out
}

func byGeneration(ps []stream.Payload) map[string][]stream.Payload {
	m := make(map[string][]stream.Payload)
	for _, p := range ps {
		m[p.GenerationID] = append(m[p.GenerationID], p)
	}
	return m
}

func TestReplayInterleavedGenerations(t *testing.T) {
	p, out := newTestPipeline(t)
	input := strings.Join([]string{
		`{"generation":"a","parent_id":"u1","type":"content","content":"Hel"}`,
		`{"generation":"b","parent_id":"u1","is_variant":true,"type":"reasoning_content","reasoning_content":"think"}`,
		`{"generation":"a","type":"content","content":"lo"}`,
		``,
		`{"generation":"b","type":"content","content":"answer"}`,
		`{"generation":"a","type":"end"}`,
		`{"generation":"a","type":"content","content":"ignored"}`,
		`{"generation":"b","type":"end"}`,
	}, "\n")

	msgs, err := newReplayer(p).Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	p.Close(context.Background())

	require.Len(t, msgs, 2)
	a, b := msgs[0], msgs[1]
	require.Equal(t, "a", a.ID)
	require.Equal(t, message.StatusSent, a.Status)
	require.Len(t, a.Blocks, 1)
	require.Equal(t, "Hello", a.Blocks[0].Content)
	require.Equal(t, "b", b.ID)
	require.True(t, b.IsVariant)
	require.Len(t, b.Blocks, 2)
	require.Equal(t, message.KindReasoning, b.Blocks[0].Kind)
	require.Equal(t, message.KindContent, b.Blocks[1].Kind)

	gens := byGeneration(out.payloads(t))
	require.Len(t, gens, 2)
	for id, ps := range gens {
		require.Equal(t, stream.KindInit, ps[0].Kind, id)
		var text strings.Builder
		for i, pl := range ps {
			if i > 0 {
				require.Equal(t, ps[i-1].Seq+1, pl.Seq, id)
				require.NotEqual(t, stream.KindInit, pl.Kind, id)
			}
			text.WriteString(pl.Content)
		}
		if id == "a" {
			require.Equal(t, "Hello", text.String())
		}
	}

	stored, err := p.store.Get(context.Background(), "a")
	require.NoError(t, err)
	var blocks []*message.Block
	require.NoError(t, json.Unmarshal(stored, &blocks))
	require.Len(t, blocks, 1)
	require.Equal(t, "Hello", blocks[0].Content)
	require.Equal(t, message.BlockSuccess, blocks[0].Status)
}

func TestReplayFinalizesOpenGenerations(t *testing.T) {
	p, _ := newTestPipeline(t)
	r := newReplayer(p)
	r.newID = func() string { return "generated" }

	msgs, err := r.Run(context.Background(), strings.NewReader(`{"type":"content","content":"partial"}`))
	require.NoError(t, err)
	p.Close(context.Background())

	require.Len(t, msgs, 1)
	require.Equal(t, "generated", msgs[0].ID)
	require.Equal(t, message.StatusSent, msgs[0].Status)
	require.Equal(t, "partial", msgs[0].Blocks[0].Content)
}

func TestReplayRejectsMalformedLine(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := newReplayer(p).Run(context.Background(), strings.NewReader("{\n"))
	require.ErrorContains(t, err, "line 1")
	p.Close(context.Background())
}

func TestReplaySkipsUnknownEventTypes(t *testing.T) {
	p, _ := newTestPipeline(t)
	input := strings.Join([]string{
		`{"generation":"g1","type":"content","content":"hello"}`,
		`{"generation":"g1","type":"future_kind"}`,
		`{"generation":"g1","type":"content","content":" world"}`,
		`{"generation":"g1","type":"end"}`,
	}, "\n")

	msgs, err := newReplayer(p).Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	p.Close(context.Background())

	require.Len(t, msgs, 1)
	require.Equal(t, "g1", msgs[0].ID)
	require.Equal(t, message.StatusSent, msgs[0].Status)
	require.Len(t, msgs[0].Blocks, 1)
	require.Equal(t, "hello world", msgs[0].Blocks[0].Content)
}
