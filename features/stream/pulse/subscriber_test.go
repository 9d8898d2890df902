package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/wangle201210/deepchat-sub006/features/stream/pulse/clients/pulse"
	mockpulse "github.com/wangle201210/deepchat-sub006/features/stream/pulse/clients/pulse/mocks"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

func encodeEnvelope(t *testing.T, p stream.Payload) []byte {
	t.Helper()
	b, err := json.Marshal(envelope{
		Type:         p.Kind,
		GenerationID: p.GenerationID,
		Seq:          p.Seq,
		Timestamp:    time.Now().UTC(),
		Payload:      p,
	})
	require.NoError(t, err)
	return b
}

func TestSubscribeStopsAfterFinal(t *testing.T) {
	ctx := context.Background()
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)

	entries := make(chan *streaming.Event, 3)
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return entries })
	sinkMock.SetAck(func(context.Context, *streaming.Event) error { return nil })
	sinkMock.AddClose(func(context.Context) {})

	client.AddStream(func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "generation/msg-1", name)
		return streamMock, nil
	})
	streamMock.AddNewSink(func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
		require.Equal(t, "genstream_display", name)
		return sinkMock, nil
	})

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 4})
	require.NoError(t, err)
	payloads, errs, cancel, err := sub.Subscribe(ctx, "msg-1")
	require.NoError(t, err)
	defer cancel()

	entries <- &streaming.Event{ID: "1-0", Payload: encodeEnvelope(t, stream.Payload{GenerationID: "msg-1", Kind: stream.KindInit})}
	entries <- &streaming.Event{ID: "2-0", Payload: encodeEnvelope(t, stream.Payload{
		GenerationID: "msg-1", Kind: stream.KindDelta, Seq: 1, Delta: stream.Delta{Content: "hi"},
	})}
	entries <- &streaming.Event{ID: "3-0", Payload: encodeEnvelope(t, stream.Payload{GenerationID: "msg-1", Kind: stream.KindFinal, Seq: 2})}

	var got []stream.Payload
	for p := range payloads {
		got = append(got, p)
	}
	require.Len(t, got, 3)
	require.Equal(t, stream.KindInit, got[0].Kind)
	require.Equal(t, "hi", got[1].Content)
	require.Equal(t, int64(1), got[1].Seq)
	require.Equal(t, stream.KindFinal, got[2].Kind)
	require.NoError(t, <-errs)
}

func TestSubscribeDecodeError(t *testing.T) {
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)
	entries := make(chan *streaming.Event, 1)

	client.AddStream(func(string) (clientspulse.Stream, error) { return streamMock, nil })
	streamMock.AddNewSink(func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
		return sinkMock, nil
	})
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return entries })
	sinkMock.AddClose(func(context.Context) {})

	decodeErr := errors.New("boom")
	sub, err := NewSubscriber(SubscriberOptions{
		Client:  client,
		Decoder: func([]byte) (stream.Payload, error) { return stream.Payload{}, decodeErr },
	})
	require.NoError(t, err)
	payloads, errs, cancel, err := sub.Subscribe(context.Background(), "msg-1")
	require.NoError(t, err)
	defer cancel()

	entries <- &streaming.Event{ID: "1-0", Payload: []byte("{}")}
	require.ErrorIs(t, <-errs, decodeErr)
	_, ok := <-payloads
	require.False(t, ok)
}

func TestSubscribeRequiresGeneration(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: mockpulse.NewClient(t)})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestDecodeEnvelopeFillsRoutingFields(t *testing.T) {
	raw := []byte(`{"type":"delta","generation_id":"g1","seq":4,"payload":{"seq":4,"content":"x"}}`)
	p, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, stream.KindDelta, p.Kind)
	require.Equal(t, "g1", p.GenerationID)
	require.Equal(t, "x", p.Content)
}
