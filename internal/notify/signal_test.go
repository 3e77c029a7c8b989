package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalNotifyInOrder(t *testing.T) {
	var sig Signal[string]
	var got []string

	sig.Subscribe(func(v string) { got = append(got, "a:"+v) })
	sig.Subscribe(func(v string) { got = append(got, "b:"+v) })

	sig.Notify("x")
	require.Equal(t, []string{"a:x", "b:x"}, got)
	require.Equal(t, 2, sig.Len())
}

func TestSignalUnsubscribeIsIdempotent(t *testing.T) {
	var sig Signal[int]
	calls := 0
	id := sig.Subscribe(func(int) { calls++ })

	sig.Unsubscribe(id)
	sig.Unsubscribe(id)
	sig.Unsubscribe(ID(999))
	sig.Unsubscribe(0)

	sig.Notify(1)
	require.Zero(t, calls)
	require.Zero(t, sig.Len())
}

func TestSignalSelfUnsubscribeDuringNotify(t *testing.T) {
	var sig Signal[string]
	var first ID
	firstCalls, secondCalls := 0, 0

	first = sig.Subscribe(func(string) {
		firstCalls++
		sig.Unsubscribe(first)
	})
	sig.Subscribe(func(string) { secondCalls++ })

	sig.Notify("X")
	require.Equal(t, 1, firstCalls)
	require.Equal(t, 1, secondCalls)

	sig.Notify("X")
	require.Equal(t, 1, firstCalls)
	require.Equal(t, 2, secondCalls)
}

func TestSignalSubscribeDuringNotifyWaitsForNextRound(t *testing.T) {
	var sig Signal[int]
	late := 0

	sig.Subscribe(func(int) {
		sig.Subscribe(func(int) { late++ })
	})

	sig.Notify(1)
	require.Zero(t, late)

	sig.Notify(2)
	require.Equal(t, 1, late)
}

func TestSignalNilHandlerIgnored(t *testing.T) {
	var sig Signal[int]
	require.Equal(t, ID(0), sig.Subscribe(nil))
	require.Zero(t, sig.Len())
}

func TestSignalClear(t *testing.T) {
	var sig Signal[int]
	calls := 0
	sig.Subscribe(func(int) { calls++ })
	sig.Clear()
	sig.Notify(1)
	require.Zero(t, calls)
}
