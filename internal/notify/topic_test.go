package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTopic_PublishReachesAllSubscribers(t *testing.T) {
	topic := NewTopic[string]("test")
	a := topic.Subscribe(4)
	b := topic.Subscribe(4)

	require.NoError(t, topic.Publish("hello"))
	assert.Equal(t, "hello", <-a.C())
	assert.Equal(t, "hello", <-b.C())
}

func TestTopic_UnsubscribeClosesChannel(t *testing.T) {
	topic := NewTopic[int]("test")
	sub := topic.Subscribe(1)
	topic.Unsubscribe(sub)
	topic.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, topic.Len())
	require.NoError(t, topic.Publish(1))
}

func TestTopic_PublishFullBuffer(t *testing.T) {
	topic := NewTopic[int]("full")
	sub := topic.Subscribe(1)
	require.NoError(t, topic.Publish(1))

	err := topic.Publish(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBufferFull))
	assert.Equal(t, 1, <-sub.C())
}

func TestTopic_CloseClosesSubscribers(t *testing.T) {
	topic := NewTopic[int]("closing")
	sub := topic.Subscribe(1)
	topic.Close()
	topic.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Error(t, topic.Publish(1))

	late := topic.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestTopic_DefaultBuffer(t *testing.T) {
	topic := NewTopic[int]("default")
	sub := topic.Subscribe(0)
	assert.Equal(t, DefaultBuffer, cap(sub.ch))
}

func TestTopic_ConcurrentSubscribePublish(t *testing.T) {
	topic := NewTopic[int]("concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := topic.Subscribe(8)
			topic.Unsubscribe(sub)
		}()
		go func(v int) {
			defer wg.Done()
			_ = topic.Publish(v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, topic.Len())
}

// Property: every value published within buffer capacity is received in order.
func TestPropertyTopic_OrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Int(), 1, 32).Draw(t, "values")
		topic := NewTopic[int]("order")
		sub := topic.Subscribe(len(values))
		for _, v := range values {
			if err := topic.Publish(v); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		for i, want := range values {
			got := <-sub.C()
			if got != want {
				t.Fatalf("value %d: got %d, want %d", i, got, want)
			}
		}
	})
}
