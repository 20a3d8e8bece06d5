package generator

import (
	"errors"

	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

// ErrNotSupported is returned when a strategy is asked for a kind of
// generation it cannot perform at the given level.
var ErrNotSupported = errors.New("generation not supported")

// Strategy produces tile payloads. Every method writes into dst, a buffer
// owned by the caller, and may be called concurrently.
type Strategy interface {
	// RoughSupported reports whether TryRough can generate tiles at level
	// directly.
	RoughSupported(level int32) bool
	// TryRough generates an approximation without authoritative data.
	TryRough(pos tile.Pos, dst *tile.Data) error
	// TryExact generates a level-0 tile from authoritative data.
	TryExact(pos tile.Pos, access source.Access, dst *tile.Data) error
	// TryScale downsamples the four children of pos, in Children order.
	TryScale(pos tile.Pos, children [4]*tile.Data, dst *tile.Data) error
	// NeededRegions lists the source regions TryExact reads for pos.
	NeededRegions(pos tile.Pos) []source.Region
}
