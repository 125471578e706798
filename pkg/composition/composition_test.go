package composition

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/overlap"
)

func TestKeyLines(t *testing.T) {
	keys, err := KeyLines([]int{100, 80, 60}, []int{10, -11})
	require.NoError(t, err)
	if diff := cmp.Diff([][2]int{{95, 5}, {74, 5}}, keys); diff != "" {
		t.Errorf("key lines mismatch (-want +got):\n%s", diff)
	}

	_, err = KeyLines([]int{100, 80}, []int{1, 2})
	assert.Error(t, err)
}

func TestTwoFramesPlan(t *testing.T) {
	plan, err := NewPlan([]int{100, 100}, []int{10}, []int{10})
	require.NoError(t, err)

	want := &Plan{
		Heights: []int{100, 100},
		Bands:   []Band{{UpperStart: 90, UpperEnd: 100, LowerStart: 0, LowerEnd: 10}},
		Raw: FrameComposition{Parts: []Part{
			{Source: 0, SrcStart: 0, SrcEnd: 90, DstStart: 0, DstEnd: 90},
			{Source: 1, SrcStart: 10, SrcEnd: 100, DstStart: 100, DstEnd: 190},
		}},
		Overlap: FrameComposition{Parts: []Part{
			{Source: 0, SrcStart: 0, SrcEnd: 10, DstStart: 90, DstEnd: 100},
		}},
		Height: 190,
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

// Raw and overlap parts must partition [0, Height) and Height must equal
// the sum of heights minus the sum of absolute shifts.
func TestPlanPartitionsDestination(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(4)
		heights := make([]int, n)
		for i := range heights {
			heights[i] = 40 + rng.Intn(60)
		}
		shifts := make([]int, n-1)
		overlaps := make([]int, n-1)
		expected := 0
		for _, h := range heights {
			expected += h
		}
		for j := range shifts {
			s := 1 + rng.Intn(18)
			if rng.Intn(2) == 0 {
				s = -s
			}
			shifts[j] = s
			if s < 0 {
				s = -s
			}
			overlaps[j] = rng.Intn(s + 1)
			expected -= s
		}

		plan, err := NewPlan(heights, shifts, overlaps)
		require.NoError(t, err, "heights %v shifts %v overlaps %v", heights, shifts, overlaps)
		assert.Equal(t, expected, plan.Height)
		assert.Equal(t, plan.Height, plan.Raw.Rows()+plan.Overlap.Rows())

		covered := make([]int, plan.Height)
		for _, p := range append(append([]Part(nil), plan.Raw.Parts...), plan.Overlap.Parts...) {
			assert.Equal(t, p.SrcEnd-p.SrcStart, p.Rows())
			for r := p.DstStart; r < p.DstEnd; r++ {
				covered[r]++
			}
		}
		for r, c := range covered {
			require.Equal(t, 1, c, "row %d covered %d times", r, c)
		}
	}
}

func TestPlanRejectsImpossibleOverlap(t *testing.T) {
	_, err := NewPlan([]int{100, 100}, []int{10}, []int{30})
	var geomErr *stitcherr.GeometryError
	require.True(t, errors.As(err, &geomErr))
	assert.Equal(t, 0, geomErr.Junction)

	// the two bands of the middle frame would cross
	_, err = NewPlan([]int{100, 20, 100}, []int{30, 30}, []int{30, 30})
	assert.Error(t, err)
}

func TestCacheReusesPlan(t *testing.T) {
	var cache Cache
	assert.Nil(t, cache.Plan())
	p1, err := cache.Get([]int{50, 50}, []int{4}, []int{4})
	require.NoError(t, err)
	p2, err := cache.Get([]int{50, 50}, []int{4}, []int{4})
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Same(t, p1, cache.Plan())
	assert.Equal(t, 1, cache.Computations)

	_, err = cache.Get([]int{50, 60}, []int{4}, []int{4})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Computations)
}

func column(values ...float64) *mat.Dense {
	return mat.NewDense(len(values), 1, values)
}

func constant(rows, cols int, v float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(rows, cols, data)
}

func TestStitchRawFrames(t *testing.T) {
	upper := constant(100, 3, 1)
	lower := constant(100, 3, 2)
	for i := 0; i < 100; i++ {
		upper.Set(i, 0, float64(i))
		lower.Set(i, 0, float64(1000+i))
	}

	plan, err := NewPlan([]int{100, 100}, []int{10}, []int{10})
	require.NoError(t, err)
	k, err := overlap.NewKernel(10, 3, overlap.Linear)
	require.NoError(t, err)

	out, err := StitchRawFrames([]*mat.Dense{upper, lower}, plan, []*overlap.Kernel{k})
	require.NoError(t, err)
	rows, cols := out.Dims()
	assert.Equal(t, 190, rows)
	assert.Equal(t, 3, cols)

	for r := 0; r < 90; r++ {
		assert.Equal(t, float64(r), out.At(r, 0))
	}
	// overlap boundaries come from each side
	assert.Equal(t, 90.0, out.At(90, 0))
	assert.Equal(t, 1009.0, out.At(99, 0))
	for r := 91; r < 99; r++ {
		assert.Greater(t, out.At(r, 1), 1.0)
		assert.Less(t, out.At(r, 1), 2.0)
	}
	for r := 100; r < 190; r++ {
		assert.Equal(t, float64(1000+r-90), out.At(r, 0))
	}
}

func TestStitchRawFramesZeroOverlap(t *testing.T) {
	plan, err := NewPlan([]int{3, 3}, []int{0}, []int{0})
	require.NoError(t, err)
	k, err := overlap.NewKernel(0, 1, overlap.Linear)
	require.NoError(t, err)
	out, err := StitchRawFrames([]*mat.Dense{column(1, 2, 3), column(4, 5, 6)}, plan, []*overlap.Kernel{k})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, mat.Col(nil, 0, out))
}

func TestStitchRawFramesRejectsMismatch(t *testing.T) {
	plan, err := NewPlan([]int{3, 3}, []int{1}, []int{1})
	require.NoError(t, err)
	k, err := overlap.NewKernel(1, 1, overlap.Mean)
	require.NoError(t, err)

	_, err = StitchRawFrames([]*mat.Dense{column(1, 2, 3)}, plan, []*overlap.Kernel{k})
	assert.Error(t, err)
	_, err = StitchRawFrames([]*mat.Dense{column(1, 2, 3), constant(3, 2, 0)}, plan, []*overlap.Kernel{k})
	assert.Error(t, err)
	_, err = StitchRawFrames([]*mat.Dense{column(1, 2, 3), column(1, 2)}, plan, []*overlap.Kernel{k})
	assert.Error(t, err)
}
