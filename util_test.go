package memkit_test

import (
	"testing"

	"github.com/go-memkit/memkit"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memkit.AlignUp(0, 8))
	require.Equal(t, 8, memkit.AlignUp(1, 8))
	require.Equal(t, 8, memkit.AlignUp(8, 8))
	require.Equal(t, 16, memkit.AlignUp(9, 8))
	require.Equal(t, 4096, memkit.AlignUp(1, 4096))
	require.Equal(t, 8192, memkit.AlignUp(4097, 4096))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memkit.AlignDown(7, 8))
	require.Equal(t, 8, memkit.AlignDown(8, 8))
	require.Equal(t, 8, memkit.AlignDown(15, 8))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memkit.CheckPow2(uint(4096), "page size"))
	require.NoError(t, memkit.CheckPow2(uint(8), "alignment"))

	err := memkit.CheckPow2(uint(3000), "page size")
	require.ErrorIs(t, err, memkit.PowerOfTwoError)

	// Zero would sail through the bit trick: 0&(0-1) == 0.
	err = memkit.CheckPow2(uint(0), "page size")
	require.ErrorIs(t, err, memkit.PowerOfTwoError)
}

func TestDetailedStatisticsAggregation(t *testing.T) {
	var stats memkit.DetailedStatistics
	stats.Clear()

	stats.AddAllocation(100)
	stats.AddAllocation(20)
	stats.AddFreeChunk(64)
	stats.AddFreeChunk(512)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 120, stats.AllocationBytes)
	require.Equal(t, 20, stats.AllocationSizeMin)
	require.Equal(t, 100, stats.AllocationSizeMax)
	require.Equal(t, 2, stats.FreeChunkCount)
	require.Equal(t, 64, stats.FreeChunkSizeMin)
	require.Equal(t, 512, stats.FreeChunkSizeMax)

	var other memkit.DetailedStatistics
	other.Clear()
	other.AddAllocation(8)

	stats.AddDetailedStatistics(&other)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 8, stats.AllocationSizeMin)
}
