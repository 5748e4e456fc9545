package broker_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/illmade-knight/go-iotmonitor/pkg/broker"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesAt(base time.Time, n int) []types.RawMessage {
	msgs := make([]types.RawMessage, n)
	for i := range msgs {
		msgs[i] = types.RawMessage{EnqueuedTime: base.Add(time.Duration(i) * time.Second), Body: []byte{byte(i)}}
	}
	return msgs
}

func drain(t *testing.T, r broker.PartitionReader) []types.RawMessage {
	t.Helper()
	var out []types.RawMessage
	for {
		msgs, err := r.Pull(context.Background(), 10*time.Millisecond)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msgs...)
	}
}

func TestMemoryBroker_PartitionsAndOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := broker.NewMemoryBroker(
		&broker.MemoryPartition{ID: "0", Messages: messagesAt(base, 3)},
		&broker.MemoryPartition{ID: "1", Messages: messagesAt(base, 25)},
	)

	ids, err := b.Partitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids)

	r, err := b.Open(context.Background(), "1", types.DefaultConsumerGroup, broker.StartPosition{})
	require.NoError(t, err)
	msgs := drain(t, r)
	require.Len(t, msgs, 25)
	for i, m := range msgs {
		assert.Equal(t, "1", m.PartitionID)
		assert.Equal(t, int64(i), m.SequenceNumber)
	}
	require.NoError(t, r.Close())
	assert.Equal(t, 1, b.CloseCount("1"))
}

func TestMemoryBroker_StartPosition(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := broker.NewMemoryBroker(&broker.MemoryPartition{ID: "0", Messages: messagesAt(base, 10)})

	t.Run("enqueued time skips older messages", func(t *testing.T) {
		r, err := b.Open(context.Background(), "0", "$Default", broker.StartPosition{EnqueuedTime: base.Add(7 * time.Second)})
		require.NoError(t, err)
		msgs := drain(t, r)
		require.Len(t, msgs, 3)
		assert.Equal(t, int64(7), msgs[0].SequenceNumber)
	})

	t.Run("after offset wins over enqueued time", func(t *testing.T) {
		r, err := b.Open(context.Background(), "0", "$Default", broker.StartPosition{EnqueuedTime: base, AfterOffset: "8"})
		require.NoError(t, err)
		msgs := drain(t, r)
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(9), msgs[0].SequenceNumber)
	})

	assert.Len(t, b.StartPositions("0"), 2)
}

func TestMemoryBroker_ScriptedFailures(t *testing.T) {
	openErr := errors.New("consumer group does not exist")
	streamErr := errors.New("link detached")
	b := broker.NewMemoryBroker(
		&broker.MemoryPartition{ID: "0", OpenErr: openErr},
		&broker.MemoryPartition{ID: "1", Messages: messagesAt(time.Now(), 5), FailAt: []int{3}, StreamErr: streamErr},
	)

	_, err := b.Open(context.Background(), "0", "$Default", broker.StartPosition{})
	assert.ErrorIs(t, err, openErr)
	assert.Equal(t, 1, b.OpenCount("0"))

	r, err := b.Open(context.Background(), "1", "$Default", broker.StartPosition{})
	require.NoError(t, err)
	msgs, err := r.Pull(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "a batch stops short of the scripted failure")

	_, err = r.Pull(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, streamErr)

	msgs, err = r.Pull(context.Background(), time.Millisecond)
	require.NoError(t, err, "a scripted failure fires once")
	assert.Len(t, msgs, 2)
}

func TestMemoryBroker_KeepOpenAndAppend(t *testing.T) {
	b := broker.NewMemoryBroker(&broker.MemoryPartition{ID: "0", KeepOpen: true})
	r, err := b.Open(context.Background(), "0", "$Default", broker.StartPosition{})
	require.NoError(t, err)

	msgs, err := r.Pull(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, b.Append("0", types.RawMessage{Body: []byte("late")}))
	msgs, err = r.Pull(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Pull(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
