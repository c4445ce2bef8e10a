package errutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromSliceReturnsNilWhenNoErrorsPresent(t *testing.T) {
	require.NoError(t, FromSlice(nil))
	require.NoError(t, FromSlice([]error{nil, nil}))
}

func TestFromSliceDropsNilEntriesAndKeepsTheRest(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	err := FromSlice([]error{nil, errA, nil, errB})
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Equal(t, []error{errA, errB}, agg.Errors)
}

func TestFromChannelAggregatesUntilClosed(t *testing.T) {
	ch := make(chan error, 3)
	errA := errors.New("a")
	ch <- nil
	ch <- errA
	ch <- nil
	close(ch)

	err := FromChannel(ch)
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Equal(t, []error{errA}, agg.Errors)
}

func TestFromChannelReturnsNilWhenEmpty(t *testing.T) {
	ch := make(chan error)
	close(ch)
	require.NoError(t, FromChannel(ch))
}
