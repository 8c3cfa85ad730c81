package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/model"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestRedisPublishesMessages(t *testing.T) {
	mr := newMiniredis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := NewRedis(ctx, "redis://"+mr.Addr()+"/0", "")
	require.NoError(t, err)
	defer r.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, DefaultRedisChannel)
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	r.Emit(ctx, batch("work_0", "Standup"))
	r.EmitError(ctx, model.FetchFailure{SourceID: "work_1", Kind: "timeout", Message: "request timeout"})

	var got Message
	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, MessageBatch, got.Type)
	require.NotNil(t, got.Batch)
	assert.Equal(t, "work_0", got.Batch.SourceID)
	assert.Equal(t, "Standup", got.Batch.Events[0].Title)

	got = Message{}
	msg, err = ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, MessageFailure, got.Type)
	require.NotNil(t, got.Failure)
	assert.Equal(t, "timeout", got.Failure.Kind)
}

func TestNewRedisErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRedis(ctx, "not-a-redis-url", "")
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedis(ctx, "redis://"+addr, "")
	assert.Error(t, err)
}
