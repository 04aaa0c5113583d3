package action

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devmesh/actioncore/pkg/envelope"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSetup(t *testing.T) (*redisx.StreamsClient, *keyspace.Keyspace) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := observability.NewNoopLogger()
	client, err := redisx.NewStreamsClient(&redisx.StreamsConfig{
		Addresses:   []string{mr.Addr()},
		PoolTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)

	ks, err := keyspace.New("devmesh", "test")
	require.NoError(t, err)

	return client, ks
}

func TestClient_SendAsync_AppendsToTargetStream(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)

	ctx := context.Background()
	a := &envelope.DomainAction{
		ActionType:    "metrics.record",
		TargetService: "metrics-service",
		TenantID:      "t1",
		Data:          json.RawMessage(`{"counter":"hits","delta":1}`),
	}

	require.NoError(t, c.SendAsync(ctx, a))
	assert.NotEmpty(t, a.ActionID)
	assert.NotEmpty(t, a.TraceID)
	assert.Equal(t, "agent-core", a.OriginService)

	streamKey, err := ks.Key("metrics-service", keyspace.KindActions)
	require.NoError(t, err)

	require.NoError(t, redisClient.CreateConsumerGroupMkStream(ctx, streamKey, "g", "0"))
	streams, err := redisClient.ReadFromConsumerGroup(ctx, "g", "c1", []string{streamKey}, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)
}

func TestClient_SendAndWait_ResolvesOnReply(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)
	ctx := context.Background()

	a := &envelope.DomainAction{
		ActionType:    "config.get",
		TargetService: "config-service",
		Data:          json.RawMessage(`{"agent_id":"a-42"}`),
	}

	streamKey, err := ks.Key("config-service", keyspace.KindActions)
	require.NoError(t, err)
	require.NoError(t, redisClient.CreateConsumerGroupMkStream(ctx, streamKey, "g", "0"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			streams, err := redisClient.ReadFromConsumerGroup(ctx, "g", "c1", []string{streamKey}, 1, 10*time.Millisecond, false)
			if err == nil && len(streams) > 0 && len(streams[0].Messages) > 0 {
				payload := []byte(streams[0].Messages[0].Values["payload"].(string))
				got, err := envelope.Decode(payload)
				if err != nil {
					return
				}
				resp := &envelope.DomainActionResponse{
					CorrelationID:  got.CorrelationID,
					TraceID:        got.TraceID,
					ActionTypeResp: got.ActionType,
					Success:        true,
					Data:           json.RawMessage(`{"name":"bot","version":"1.0"}`),
				}
				data, _ := envelope.EncodeResponse(resp)
				_ = redisClient.PushResponse(ctx, got.CallbackQueue, data, 5*time.Second)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := c.SendAndWait(ctx, a, 2*time.Second)
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, a.CorrelationID, resp.CorrelationID)
	assert.JSONEq(t, `{"name":"bot","version":"1.0"}`, string(resp.Data))
}

func TestClient_SendAndWait_TimesOutWithNoReply(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)
	ctx := context.Background()

	a := &envelope.DomainAction{
		ActionType:    "config.get",
		TargetService: "config-service",
	}

	_, err := c.SendAndWait(ctx, a, 100*time.Millisecond)
	require.Error(t, err)
}

func TestClient_SendAndWait_ConcurrentCallsDoNotCrossTalk(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)
	ctx := context.Background()

	streamKey, err := ks.Key("config-service", keyspace.KindActions)
	require.NoError(t, err)
	require.NoError(t, redisClient.CreateConsumerGroupMkStream(ctx, streamKey, "g", "0"))

	const n = 5
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			streams, err := redisClient.ReadFromConsumerGroup(ctx, "g", "c1", []string{streamKey}, 10, 10*time.Millisecond, false)
			if err != nil || len(streams) == 0 {
				continue
			}
			for _, msg := range streams[0].Messages {
				got, err := envelope.Decode([]byte(msg.Values["payload"].(string)))
				if err != nil {
					continue
				}
				resp := &envelope.DomainActionResponse{
					CorrelationID: got.CorrelationID,
					TraceID:       got.TraceID,
					Success:       true,
					Data:          got.Data,
				}
				data, _ := envelope.EncodeResponse(resp)
				_ = redisClient.PushResponse(ctx, got.CallbackQueue, data, 5*time.Second)
			}
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	results := make([]*envelope.DomainActionResponse, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &envelope.DomainAction{
				ActionType:    "config.get",
				TargetService: "config-service",
				Data:          json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
			}
			resp, err := c.SendAndWait(ctx, a, 2*time.Second)
			if err == nil {
				results[i] = resp
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, r := range results {
		require.NotNil(t, r)
		assert.False(t, seen[r.CorrelationID], "correlation_id reused across concurrent calls")
		seen[r.CorrelationID] = true
	}
}

func TestClient_SendWithCallback_RequiresCallbackActionType(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)
	ctx := context.Background()

	a := &envelope.DomainAction{
		ActionType:    "embedding.generate",
		TargetService: "embedding-service",
	}

	err := c.SendWithCallback(ctx, a)
	assert.Error(t, err)
}

func TestClient_SendWithCallback_RoutesToOwnCallbackStream(t *testing.T) {
	redisClient, ks := newTestSetup(t)
	c := New("agent-core", redisClient, ks, nil)
	ctx := context.Background()

	a := &envelope.DomainAction{
		ActionType:     "embedding.generate",
		TargetService:  "embedding-service",
		CallbackAction: "embedding.result",
		Data:           json.RawMessage(`{"texts":["hi"]}`),
	}

	require.NoError(t, c.SendWithCallback(ctx, a))

	expectedCallback, err := ks.Key("agent-core", keyspace.KindCallbacks)
	require.NoError(t, err)
	assert.Equal(t, expectedCallback, a.CallbackQueue)
	assert.NotEmpty(t, a.CorrelationID)

	streamKey, err := ks.Key("embedding-service", keyspace.KindActions)
	require.NoError(t, err)

	require.NoError(t, redisClient.CreateConsumerGroupMkStream(ctx, streamKey, "g", "0"))
	streams, err := redisClient.ReadFromConsumerGroup(ctx, "g", "c1", []string{streamKey}, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	got, err := envelope.Decode([]byte(streams[0].Messages[0].Values["payload"].(string)))
	require.NoError(t, err)
	assert.Equal(t, "embedding.result", got.CallbackAction)
	assert.Equal(t, a.CorrelationID, got.CorrelationID)
	assert.Equal(t, a.TraceID, got.TraceID)
}
