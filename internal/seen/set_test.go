package seen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAddAndTruncate(t *testing.T) {
	s := NewSet("a/1", "a/2", "a/2", "")
	require.Equal(t, 2, s.Len())
	assert.False(t, s.Add("a/1"))
	assert.True(t, s.Add("a/3"))

	assert.Equal(t, 1, s.Truncate(2))
	assert.Equal(t, []string{"a/2", "a/3"}, s.IDs())
	assert.False(t, s.Contains("a/1"))
	assert.Zero(t, s.Truncate(10))
}

func TestSetSortByFeedOrderFallsBackToInsertion(t *testing.T) {
	s := NewSet("a/10", "a/9", "pinned")
	s.SortByFeedOrder()
	assert.Equal(t, []string{"a/10", "a/9", "pinned"}, s.IDs())

	s = NewSet("a/10", "a/9", "a/100")
	s.SortByFeedOrder()
	assert.Equal(t, []string{"a/9", "a/10", "a/100"}, s.IDs())
}

func TestSetEncodeDecode(t *testing.T) {
	b, err := NewSet().Encode()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	s, err := Decode([]byte(`["x/1","x/2"]`))
	require.NoError(t, err)
	assert.True(t, s.Contains("x/2"))

	_, err = Decode([]byte(`"x/1"`))
	assert.Error(t, err)
}
