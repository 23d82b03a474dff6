package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundaryList_Splice(t *testing.T) {
	tests := []struct {
		name string
		ids  []TensorID
		pos  int
		with []TensorID
		want []TensorID
	}{
		{"replace single", []TensorID{1, 2, 3}, 1, []TensorID{9}, []TensorID{1, 9, 3}},
		{"expand first", []TensorID{1, 2, 3}, 0, []TensorID{7, 8, 9}, []TensorID{7, 8, 9, 2, 3}},
		{"expand middle", []TensorID{1, 2, 3}, 1, []TensorID{7, 8}, []TensorID{1, 7, 8, 3}},
		{"expand last", []TensorID{1, 2, 3}, 2, []TensorID{7, 8, 9}, []TensorID{1, 2, 7, 8, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBoundaryList(tt.ids...)
			require.NoError(t, b.Splice(tt.pos, tt.with...))
			assert.Equal(t, tt.want, b.IDs())
		})
	}
}

func TestBoundaryList_SpliceErrors(t *testing.T) {
	b := NewBoundaryList(1, 2)
	assert.Error(t, b.Splice(2, 5))
	assert.Error(t, b.Splice(-1, 5))
	assert.Error(t, b.Splice(0))
	assert.Equal(t, []TensorID{1, 2}, b.IDs())
}

func TestBoundaryList_ReplaceSearchesFromPosition(t *testing.T) {
	b := NewBoundaryList(4, 5, 6, 5)

	pos, err := b.Replace(5, 2, 10, 11)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
	assert.Equal(t, []TensorID{4, 5, 6, 10, 11}, b.IDs())

	_, err = b.Replace(4, 1, 12)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoundaryList_ShiftPreservesOutsideEntries(t *testing.T) {
	b := NewBoundaryList(10, 20, 30, 40)

	// Two successive expansions at the same logical slot.
	require.NoError(t, b.Splice(1, 21, 22, 23))
	require.NoError(t, b.Splice(1, 24, 25))

	assert.Equal(t, 6, b.Len())
	assert.Equal(t, TensorID(10), b.At(0))
	assert.Equal(t, []TensorID{30, 40}, b.IDs()[4:])
	assert.Equal(t, NoTensor, b.At(6))
}

func TestBoundaryList_IDsIsCopy(t *testing.T) {
	b := NewBoundaryList(1, 2)
	ids := b.IDs()
	ids[0] = 99
	assert.Equal(t, TensorID(1), b.At(0))
	assert.True(t, b.Contains(2))
	require.NoError(t, b.Set(1, 3))
	assert.False(t, b.Contains(2))
}
