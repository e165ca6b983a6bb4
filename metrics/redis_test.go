package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPublisher(t *testing.T, opts ...RedisOption) (*RedisPublisher, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPublisher(client, opts...), mr, client
}

func TestRedisPublisher_PublishesToChannel(t *testing.T) {
	pub, _, client := setupPublisher(t, WithChannel("relay:stats"))
	ctx := context.Background()

	sub := client.Subscribe(ctx, "relay:stats")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	snap := Snapshot{ActiveConnections: 2, MessagesProcessed: 10, Errors: 1, Timestamp: time.Unix(100, 0).UTC()}
	require.NoError(t, pub.Publish(ctx, snap))

	select {
	case msg := <-sub.Channel():
		var got Snapshot
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, snap, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisPublisher_StoresLatest(t *testing.T) {
	pub, mr, _ := setupPublisher(t, WithLatestKey("relay:latest", time.Minute))
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, Snapshot{Errors: 1}))
	require.NoError(t, pub.Publish(ctx, Snapshot{Errors: 4}))

	got, err := pub.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Errors)

	mr.FastForward(2 * time.Minute)
	_, err = pub.Latest(ctx)
	assert.Error(t, err)
}

func TestRedisPublisher_LatestWithoutKey(t *testing.T) {
	pub, _, _ := setupPublisher(t)
	_, err := pub.Latest(context.Background())
	assert.Error(t, err)
}

func TestRedisPublisher_SubscriberSurvivesOutage(t *testing.T) {
	pub, mr, _ := setupPublisher(t, WithLatestKey("relay:latest", 0))
	fn := pub.Subscriber()

	fn(Snapshot{MessagesProcessed: 7})
	got, err := pub.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.MessagesProcessed)

	mr.Close()
	assert.NotPanics(t, func() { fn(Snapshot{MessagesProcessed: 8}) })
}
