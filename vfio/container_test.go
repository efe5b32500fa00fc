package vfio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetIOMMUOnceSkipsIoctlWhenAlreadySet(t *testing.T) {
	c := &Container{fd: -1, iommuIsSet: true}
	require.NoError(t, c.setIOMMUOnce(), "an invalid fd must never be reached once IOMMU is set")
}

func TestSetIOMMUOnceSurfacesIoctlFailure(t *testing.T) {
	c := &Container{fd: -1}
	err := c.setIOMMUOnce()
	require.Error(t, err)
	require.False(t, c.iommuIsSet, "a failed SET_IOMMU must not be latched as done")
}

func TestContainerFDAndClose(t *testing.T) {
	c := &Container{fd: -1}
	require.Equal(t, -1, c.FD())
	require.Error(t, c.Close(), "closing an invalid fd reports the close error")
}
