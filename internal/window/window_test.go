package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/domain"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func bar(i int, close float64) domain.Bar {
	return domain.Bar{Symbol: "HK.00700", Timestamp: t0.Add(time.Duration(i) * time.Minute), Close: close}
}

func TestWindowInvariant(t *testing.T) {
	for _, capacity := range []int{1, 3, 5, 10} {
		for _, n := range []int{0, 1, 2, 5, 9, 25} {
			w := New("HK.00700", capacity)
			for i := 0; i < n; i++ {
				require.NoError(t, w.Append(bar(i, float64(i))))
			}

			assert.Equal(t, min(n, capacity), w.Len(), "cap=%d n=%d", capacity, n)
			bars := w.Bars()
			for i := 1; i < len(bars); i++ {
				assert.True(t, bars[i].Timestamp.After(bars[i-1].Timestamp), "cap=%d n=%d idx=%d", capacity, n, i)
			}
			if n > 0 {
				assert.Equal(t, float64(n-1), w.Last().Close)
				assert.Equal(t, float64(n-min(n, capacity)), w.At(0).Close)
			}
		}
	}
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	w := New("HK.00700", 3)
	require.NoError(t, w.Append(bar(1, 10)))

	err := w.Append(bar(1, 11))
	assert.ErrorIs(t, err, domain.ErrDataGap)

	err = w.Append(bar(0, 9))
	var gap *domain.DataGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, "HK.00700", gap.Symbol)

	assert.Equal(t, 1, w.Len(), "window must be unchanged after a rejected append")
}

func TestAppendRejectsOtherSymbol(t *testing.T) {
	w := New("HK.00700", 3)
	b := bar(0, 1)
	b.Symbol = "HK.00005"
	assert.ErrorIs(t, w.Append(b), domain.ErrInvalidState)
	assert.Zero(t, w.Len())
}

func TestTailAndPrevious(t *testing.T) {
	w := New("HK.00700", 4)
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Append(bar(i, float64(i))))
	}

	assert.Equal(t, []float64{2, 3, 4, 5}, w.Closes())
	assert.Equal(t, []float64{4, 5}, w.Tail(2).Closes())
	assert.Equal(t, []float64{2, 3, 4}, w.Previous().Closes())
	assert.Equal(t, 4, w.Len(), "Previous must not modify the receiver")
	assert.Equal(t, []float64{2, 3, 4, 5}, w.Tail(10).Closes())
	assert.Zero(t, w.Tail(0).Len())
}

func TestFromBars(t *testing.T) {
	w, err := FromBars("HK.00700", 2, []domain.Bar{bar(0, 1), bar(1, 2), bar(2, 3)})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, w.Closes())

	_, err = FromBars("HK.00700", 2, []domain.Bar{bar(1, 1), bar(0, 2)})
	assert.ErrorIs(t, err, domain.ErrDataGap)
}
