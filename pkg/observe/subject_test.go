package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesCurrentSnapshot(t *testing.T) {
	s := NewSubject(1)
	ch, cancel := s.Subscribe()
	defer cancel()

	assert.Equal(t, 1, <-ch)

	s.Publish(2)
	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 2, s.Snapshot())
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	s := NewSubject(0)
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		s.Publish(i)
	}
	assert.Equal(t, 5, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestCancelAndClose(t *testing.T) {
	s := NewSubject("a")
	ch1, cancel1 := s.Subscribe()
	ch2, _ := s.Subscribe()
	<-ch1
	<-ch2

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)

	s.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	s.Publish("b")
	assert.Equal(t, "a", s.Snapshot())

	ch3, cancel3 := s.Subscribe()
	defer cancel3()
	_, ok = <-ch3
	require.False(t, ok)
}
