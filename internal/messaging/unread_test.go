package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnreadCounterNeverGoesNegative(t *testing.T) {
	counter := NewUnreadCounter()
	counter.Decrement()
	require.Equal(t, 0, counter.Value())

	counter.Increment()
	counter.Increment()
	counter.Decrement()
	counter.Decrement()
	counter.Decrement()
	require.Equal(t, 0, counter.Value())

	counter.Reset(-3)
	require.Equal(t, 0, counter.Value())
}

func TestUnreadCounterNotifiesOnChange(t *testing.T) {
	counter := NewUnreadCounter()
	var seen []int
	counter.Watch(func(value int) { seen = append(seen, value) })
	counter.Watch(nil)

	counter.Increment()
	counter.Reset(1)
	counter.Decrement()
	counter.Decrement()
	counter.Reset(4)

	require.Equal(t, []int{1, 0, 4}, seen)
}
