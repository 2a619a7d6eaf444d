package inverted

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostings_UnionAccumulates(t *testing.T) {
	p := NewPostings()
	p.Add([]byte("hello"), 1)
	p.Add([]byte("hello"), 2)

	b := p.Get([]byte("hello"))
	require.NotNil(t, b)
	assert.True(t, b.Contains(1))
	assert.True(t, b.Contains(2))
}

func TestPostings_RemoveDocumentsDropsEmptyKeys(t *testing.T) {
	p := NewPostings()
	p.Add([]byte("hello"), 1)
	p.Add([]byte("world"), 1)
	p.Add([]byte("world"), 2)

	removed := roaring.New()
	removed.Add(1)
	p.RemoveDocuments(removed)

	assert.Nil(t, p.Get([]byte("hello")))
	b := p.Get([]byte("world"))
	require.NotNil(t, b)
	assert.False(t, b.Contains(1))
	assert.True(t, b.Contains(2))
}

func TestPostings_KeysAreSorted(t *testing.T) {
	p := NewPostings()
	p.Add([]byte("zebra"), 1)
	p.Add([]byte("apple"), 1)
	p.Add([]byte("mango"), 1)

	keys := p.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "apple", string(keys[0]))
	assert.Equal(t, "mango", string(keys[1]))
	assert.Equal(t, "zebra", string(keys[2]))
}

func TestPostings_EncodeDecodeRoundTrip(t *testing.T) {
	p := NewPostings()
	p.Add([]byte("hello"), 1)
	p.Add([]byte("hello"), 5)
	p.Add([]byte("world"), 2)

	data, err := p.Encode()
	require.NoError(t, err)

	decoded, err := DecodePostings(data)
	require.NoError(t, err)

	b := decoded.Get([]byte("hello"))
	require.NotNil(t, b)
	assert.True(t, b.Contains(1))
	assert.True(t, b.Contains(5))
}

func TestProximityKey_EncodesOrderAndProximity(t *testing.T) {
	key := ProximityKey("quick", "fox", 3)
	assert.Contains(t, string(key), "quick")
	assert.Contains(t, string(key), "fox")
	assert.Contains(t, string(key), "03")
}

func TestFacetKey_EncodesFieldAndValue(t *testing.T) {
	key := FacetKey(7, "red")
	assert.Contains(t, string(key), "red")
}
