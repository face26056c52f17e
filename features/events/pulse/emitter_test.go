package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientpulse "goa.design/flow/features/events/pulse/clients/pulse"
	"goa.design/flow/workflow"
)

type fakeStream struct {
	adds []addCall
	err  error
}

type addCall struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.adds = append(s.adds, addCall{event: event, payload: payload})
	return "1-0", nil
}

type fakeClient struct {
	streams map[string]*fakeStream
	closed  bool
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientpulse.Stream, error) {
	if c.streams == nil {
		c.streams = make(map[string]*fakeStream)
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestNewEmitterRequiresClient(t *testing.T) {
	_, err := NewEmitter(Options{})
	require.Error(t, err)
}

func TestEmitRoutesByTypeRoot(t *testing.T) {
	client := &fakeClient{}
	emitter, err := NewEmitter(Options{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	emitter.Emit(ctx, workflow.Event{Type: workflow.EventRunUpdated, Data: map[string]any{"id": "run-1"}})
	emitter.Emit(ctx, workflow.Event{Type: workflow.EventAssetProduced, Data: map[string]any{"assetId": "a"}})

	require.Len(t, client.streams["workflow/workflow"].adds, 1)
	require.Len(t, client.streams["workflow/asset"].adds, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(client.streams["workflow/workflow"].adds[0].payload, &env))
	require.Equal(t, workflow.EventRunUpdated, env.Type)
	require.Equal(t, map[string]any{"id": "run-1"}, env.Data)
	require.False(t, env.Timestamp.IsZero())
}

func TestEmitCustomStreamID(t *testing.T) {
	client := &fakeClient{}
	emitter, err := NewEmitter(Options{
		Client: client,
		StreamID: func(workflow.Event) (string, error) {
			return "custom", nil
		},
	})
	require.NoError(t, err)
	emitter.Emit(context.Background(), workflow.Event{Type: "asset.expired"})
	require.Len(t, client.streams["custom"].adds, 1)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	client := &fakeClient{streams: map[string]*fakeStream{
		"workflow/asset": {err: errors.New("redis down")},
	}}
	emitter, err := NewEmitter(Options{Client: client})
	require.NoError(t, err)
	// Must not panic or propagate.
	emitter.Emit(context.Background(), workflow.Event{Type: "asset.expired"})
	require.Empty(t, client.streams["workflow/asset"].adds)
}

func TestCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	emitter, err := NewEmitter(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, emitter.Close(context.Background()))
	require.True(t, client.closed)
}
