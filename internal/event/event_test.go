package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(0)
	defer b.Close()
	s := b.Subscribe(Filter{})

	for i := 0; i < 50; i++ {
		b.Publish(Event{Topic: TopicStatus, ProjectID: "a", Payload: i})
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, i, recv(t, s).Payload)
	}
}

func TestFilterByTopicAndScope(t *testing.T) {
	b := New(0)
	defer b.Close()
	logsA := b.Subscribe(Filter{Topics: []Topic{TopicLog}, Scope: "a"})
	status := b.Subscribe(Filter{Topics: []Topic{TopicStatus}})

	b.Publish(Event{Topic: TopicLog, ProjectID: "b", Payload: "other"})
	b.Publish(Event{Topic: TopicStatus, ProjectID: "b", Payload: "running"})
	b.Publish(Event{Topic: TopicLog, ProjectID: "a", Payload: "mine"})

	assert.Equal(t, "mine", recv(t, logsA).Payload)
	assert.Equal(t, "running", recv(t, status).Payload)

	select {
	case e := <-logsA.C():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBacklogPrecedesLiveEvents(t *testing.T) {
	b := New(0)
	defer b.Close()
	s := b.Subscribe(Filter{}, Event{Payload: 1}, Event{Payload: 2})
	b.Publish(Event{Payload: 3})

	for want := 1; want <= 3; want++ {
		assert.Equal(t, want, recv(t, s).Payload)
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New(8)
	defer b.Close()
	slow := b.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Payload: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}

	require.Eventually(t, func() bool { return slow.Err() == ErrLagged }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New(0)
	s := b.Subscribe(Filter{})
	s.Close()
	s.Close()

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.NoError(t, s.Err())

	b.Close()
	late := b.Subscribe(Filter{})
	_, ok := <-late.C()
	assert.False(t, ok)
	b.Publish(Event{Payload: "ignored"})
}
