package tickets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-core/internal/models"
)

func TestIndexAtWalksRangesThenLucky(t *testing.T) {
	s := Set{
		Ranges: []models.Range{{Start: 0, End: 9}, {Start: 100, End: 109}},
		Lucky:  []int{77, 88},
	}

	cases := map[int]int{0: 0, 9: 9, 10: 100, 15: 105, 19: 109, 20: 77, 21: 88}
	for pos, want := range cases {
		got, err := IndexAt(s, pos)
		require.NoError(t, err)
		assert.Equal(t, want, got, "position %d", pos)
	}

	_, err := IndexAt(s, 22)
	assert.Error(t, err)
	_, err = IndexAt(s, -1)
	assert.Error(t, err)
}

func TestExpandAppendsLuckyVerbatim(t *testing.T) {
	s := Set{Ranges: []models.Range{{Start: 3, End: 5}}, Lucky: []int{90, 12}}
	assert.Equal(t, []int{3, 4, 5, 90, 12}, Expand(s))
	assert.Equal(t, 5, s.Count())
}

func TestCompress(t *testing.T) {
	got := Compress([]int{7, 1, 2, 3, 9, 10, 2}, false)
	assert.Equal(t, []models.Range{{Start: 1, End: 3}, {Start: 7, End: 7}, {Start: 9, End: 10}}, got.Ranges)
	assert.Empty(t, got.Lucky)

	lucky := Compress([]int{50, 4, 17, 18, 900}, true)
	assert.Equal(t, []models.Range{{Start: 17, End: 18}}, lucky.Ranges)
	assert.Equal(t, []int{4, 50, 900}, lucky.Lucky)

	assert.Equal(t, Set{}, Compress(nil, true))
}

func TestCompressExpandRoundTrip(t *testing.T) {
	inputs := [][]models.Range{
		{{Start: 0, End: 9}, {Start: 10, End: 19}},
		{{Start: 5, End: 5}, {Start: 7, End: 12}, {Start: 40, End: 41}},
		{{Start: 100, End: 100}},
	}
	for _, ranges := range inputs {
		first := Compress(Expand(Set{Ranges: ranges}), false)
		second := Compress(Expand(first), false)
		assert.Equal(t, first, second)
		assert.ElementsMatch(t, Expand(Set{Ranges: ranges}), Expand(first))
	}
}

func TestContains(t *testing.T) {
	s := Set{Ranges: []models.Range{{Start: 10, End: 20}}, Lucky: []int{3}}
	assert.True(t, Contains(s, 10))
	assert.True(t, Contains(s, 3))
	assert.False(t, Contains(s, 21))
}

func TestNumberer(t *testing.T) {
	n := NewNumberer(models.Numbering{StartNumber: 0, Step: 1}, 1000)
	assert.Equal(t, "000", n.Format(0))
	assert.Equal(t, "999", n.Format(999))

	i, err := n.Parse("042")
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	_, err = n.Parse("1000")
	assert.Error(t, err)
	_, err = n.Parse("abc")
	assert.Error(t, err)

	stepped := NewNumberer(models.Numbering{StartNumber: 100, Step: 5}, 3)
	assert.Equal(t, []string{"100", "105", "110"}, stepped.FormatAll([]int{0, 1, 2}))
	_, err = stepped.Parse("102")
	assert.Error(t, err)
	i, err = stepped.Parse("110")
	require.NoError(t, err)
	assert.Equal(t, 2, i)
}

func TestOccupancy(t *testing.T) {
	var b OccupancyBuilder
	b.AddRange(models.Range{Start: 2, End: 4})
	b.AddRange(models.Range{Start: 5, End: 6})
	b.AddIndex(9)
	b.AddIndex(3)
	o := b.Build(12)

	assert.Equal(t, []models.Range{{Start: 2, End: 6}, {Start: 9, End: 9}}, o.Spans())
	assert.Equal(t, 6, o.Taken())
	assert.True(t, o.Contains(4))
	assert.False(t, o.Contains(7))

	var free []int
	for k := 0; k < 12-o.Taken(); k++ {
		free = append(free, o.NthFree(k))
	}
	assert.Equal(t, []int{0, 1, 7, 8, 10, 11}, free)
}

func TestOccupancyClipsToRaffle(t *testing.T) {
	var b OccupancyBuilder
	b.AddRange(models.Range{Start: 8, End: 30})
	o := b.Build(10)
	assert.Equal(t, 2, o.Taken())
}

func TestProject(t *testing.T) {
	orders := []models.Order{
		{ID: "a", Status: models.OrderSold, TicketRanges: []models.Range{{Start: 0, End: 2}}},
		{ID: "b", Status: models.OrderReserved, LuckyIndices: []int{4, 40}},
	}
	got := Project(models.Range{Start: 2, End: 5}, orders, NewNumberer(models.Numbering{Step: 1}, 100))
	require.Len(t, got, 4)
	assert.Equal(t, models.TicketSold, got[0].Status)
	assert.Equal(t, "a", got[0].OrderID)
	assert.Equal(t, models.TicketAvailable, got[1].Status)
	assert.Equal(t, models.TicketReserved, got[2].Status)
	assert.Equal(t, "04", got[2].Number)
}
