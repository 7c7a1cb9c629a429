package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngress_FIFOOrder(t *testing.T) {
	q := NewIngress()
	for i := 0; i < 300; i++ { // spans multiple chunks
		q.Push(Event{Kind: ThreadStart, ThdClk: uint64(i)})
	}
	require.Equal(t, 300, q.Len())

	for i := 0; i < 300; i++ {
		ev, ok := q.Pop()
		require.True(t, ok)
		require.EqualValues(t, i, ev.ThdClk)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestIngress_DrainStopsOnError(t *testing.T) {
	q := NewIngress()
	for i := 0; i < 5; i++ {
		q.Push(Event{ThdClk: uint64(i)})
	}

	var seen []uint64
	err := q.Drain(func(ev Event) error {
		seen = append(seen, ev.ThdClk)
		if ev.ThdClk == 2 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	require.Equal(t, []uint64{0, 1, 2}, seen)
	require.Equal(t, 2, q.Len()) // remaining events not consumed
}

var errStop = &stopError{}

type stopError struct{}

func (*stopError) Error() string { return "stop" }
