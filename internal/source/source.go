package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

// RegionShift is log2 of the region edge length in blocks.
const RegionShift = 4

const regionSize = 1 << RegionShift

var ErrNotLoaded = errors.New("source region not loaded")

// Region is a square of authoritative columns, the unit of prefetching.
type Region struct {
	X int32
	Z int32
}

func (r Region) String() string {
	return fmt.Sprintf("%d,%d", r.X, r.Z)
}

// RegionAt returns the region containing block (x, z).
func RegionAt(x, z int64) Region {
	return Region{X: int32(x >> RegionShift), Z: int32(z >> RegionShift)}
}

// Column is the authoritative content of one block column.
type Column struct {
	// Height is the top solid block.
	Height int32
	State  uint16
	Biome  uint8
	Light  uint8
	// WaterDepth is the number of liquid blocks above Height.
	WaterDepth int32
}

// Access is a consistent view of a set of prefetched regions.
type Access interface {
	// Version is the source version the view was taken at.
	Version() tile.Timestamp
	Column(x, z int64) (Column, bool)
}

// Source provides authoritative world data.
type Source interface {
	// Prefetch makes regions available and returns a view over them. It
	// returns an error wrapping ErrNotLoaded if a region cannot be provided.
	Prefetch(ctx context.Context, regions []Region) (Access, error)
}
