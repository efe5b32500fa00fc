package vfio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigRegionIndexFindsDeclaredConfigIndex(t *testing.T) {
	regions := []RegionInfo{
		{Index: 0},
		{Index: 7},
		{Index: 8},
	}
	require.Equal(t, 1, configRegionIndex(regions))
}

func TestConfigRegionIndexFallsBackToLastRegion(t *testing.T) {
	regions := []RegionInfo{
		{Index: 0},
		{Index: 1},
		{Index: 2},
	}
	require.Equal(t, 2, configRegionIndex(regions))
}
