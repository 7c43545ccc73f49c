package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var got []string
	bus.Subscribe(TopicPageChanged, func(m Message) { got = append(got, "first:"+m.PageID) })
	bus.Subscribe(TopicPageChanged, func(m Message) { got = append(got, "second:"+m.PageID) })
	bus.Subscribe(TopicKnowledgeGroupStatusChanged, func(Message) { got = append(got, "other") })

	n := bus.Publish(Message{Topic: TopicPageChanged, PageID: "p1"})
	require.Equal(t, 2, n)
	require.Equal(t, []string{"first:p1", "second:p1"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	calls := 0
	unsubscribe := bus.Subscribe(TopicPageChanged, func(Message) { calls++ })
	require.Equal(t, 1, bus.Subscribers(TopicPageChanged))

	unsubscribe()
	unsubscribe()
	require.Zero(t, bus.Publish(Message{Topic: TopicPageChanged}))
	require.Zero(t, calls)
}

func TestBusUnsubscribeDuringDelivery(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var got []int
	var unsubscribeFirst func()
	unsubscribeFirst = bus.Subscribe(TopicPageChanged, func(Message) {
		got = append(got, 1)
		unsubscribeFirst()
	})
	bus.Subscribe(TopicPageChanged, func(Message) { got = append(got, 2) })

	bus.Publish(Message{Topic: TopicPageChanged})
	bus.Publish(Message{Topic: TopicPageChanged})
	require.Equal(t, []int{1, 2, 2}, got)
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	reached := false
	bus.Subscribe(TopicPageChanged, func(Message) { panic("boom") })
	bus.Subscribe(TopicPageChanged, func(Message) { reached = true })

	require.NotPanics(t, func() { bus.Publish(Message{Topic: TopicPageChanged}) })
	require.True(t, reached)
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	calls := 0
	bus.Subscribe(TopicPageChanged, func(Message) { calls++ })
	require.NoError(t, bus.Close())
	require.Zero(t, bus.Publish(Message{Topic: TopicPageChanged}))

	bus.Subscribe(TopicPageChanged, func(Message) { calls++ })()
	require.Zero(t, bus.Subscribers(TopicPageChanged))
	require.Zero(t, calls)
}
