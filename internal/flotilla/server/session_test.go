package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestSession_ServesWorkerOverPipe(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	workerSide, serverSide := api.MessagePipe()
	session := NewSession(serverSide, handler)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- session.Serve(ctx) }()

	response := roundTrip(t, workerSide, api.NewRegisterNodeRequest("node-a", api.NodeRoleWorker, "10.0.0.1", 7070, dqnCapabilities()))
	register, ok := response.(*api.RegisterResponse)
	require.True(t, ok)
	assert.Equal(t, "registered", register.Status)
	assert.Equal(t, "node-a", register.NodeId)

	response = roundTrip(t, workerSide, api.NewHeartbeatRequest("node-a", 0.3, api.NodeReady))
	heartbeat, ok := response.(*api.HeartbeatResponse)
	require.True(t, ok)
	assert.True(t, clock.Now().Equal(heartbeat.Timestamp))

	cancel()
	require.NoError(t, <-served)
}

func TestSession_RejectsUnknownMessageType(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	workerSide, serverSide := api.MessagePipe()
	session := NewSession(serverSide, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- session.Serve(ctx) }()

	raw, err := json.Marshal(map[string]string{"type": "mystery"})
	require.NoError(t, err)
	require.NoError(t, workerSide.WriteMessage(raw))

	data, err := workerSide.ReadMessage()
	require.NoError(t, err)
	response, err := api.DecodeResponse(data)
	require.NoError(t, err)
	failure, ok := response.(*api.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "Unknown message type: mystery", failure.Message)

	// Malformed JSON also earns an error response, not a dropped connection.
	require.NoError(t, workerSide.WriteMessage([]byte("{not json")))
	data, err = workerSide.ReadMessage()
	require.NoError(t, err)
	response, err = api.DecodeResponse(data)
	require.NoError(t, err)
	_, ok = response.(*api.ErrorResponse)
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-served)
}

func TestSession_EndsWhenWorkerCloses(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	workerSide, serverSide := api.MessagePipe()
	session := NewSession(serverSide, handler)

	served := make(chan error, 1)
	go func() { served <- session.Serve(context.Background()) }()

	require.NoError(t, workerSide.Close())
	require.NoError(t, <-served)
}

func roundTrip(t *testing.T, conn api.MessageConn, request api.Request) api.Response {
	t.Helper()
	data, err := api.EncodeMessage(request)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(data))

	raw, err := conn.ReadMessage()
	require.NoError(t, err)
	response, err := api.DecodeResponse(raw)
	require.NoError(t, err)
	return response
}
