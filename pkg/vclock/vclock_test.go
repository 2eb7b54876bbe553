package vclock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotconsensus/epax/pkg/id"
)

func TestJoinIsComponentWiseMax(t *testing.T) {
	a := New()
	a.Add(id.NewDot(1, 5))
	a.Add(id.NewDot(2, 2))

	b := New()
	b.Add(id.NewDot(1, 3))
	b.Add(id.NewDot(2, 7))

	joined := a.Join(b)
	require.Equal(t, uint64(5), joined.Max(1))
	require.Equal(t, uint64(7), joined.Max(2))

	// Join must not mutate either operand.
	require.Equal(t, uint64(5), a.Max(1))
	require.Equal(t, uint64(2), a.Max(2))
}

func TestLessEqual(t *testing.T) {
	a := New()
	a.Add(id.NewDot(1, 2))
	b := New()
	b.Add(id.NewDot(1, 5))
	require.True(t, a.LessEqual(b))
	require.False(t, b.LessEqual(a))
}

func TestEqualRequiresSameKeys(t *testing.T) {
	a := New()
	a.Add(id.NewDot(1, 2))
	b := New()
	b.Add(id.NewDot(1, 2))
	b.Add(id.NewDot(2, 1))
	require.False(t, a.Equal(b))
	require.True(t, a.Equal(a.Copy()))
}

func TestRangesSortedBySource(t *testing.T) {
	c := New()
	c.Add(id.NewDot(3, 4))
	c.Add(id.NewDot(1, 9))
	ranges := c.Ranges()
	require.Len(t, ranges, 2)
	require.Equal(t, id.ProcessId(1), ranges[0].Source)
	require.Equal(t, uint64(9), ranges[0].ToSeq)
	require.Equal(t, id.ProcessId(3), ranges[1].Source)
}
