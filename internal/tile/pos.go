package tile

import (
	"errors"
	"fmt"
)

// Size is the number of samples along each axis of a tile.
const Size = 16

// SizeShift is log2(Size).
const SizeShift = 4

var ErrInvalidPos = errors.New("invalid tile position")

// Pos identifies a tile. Level 0 is full resolution; a tile at level L
// covers Size<<L blocks along each axis.
type Pos struct {
	X     int32
	Z     int32
	Level int32
}

func (p Pos) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Level, p.X, p.Z)
}

// Parent returns the tile one level up that contains p.
func (p Pos) Parent() Pos {
	return Pos{X: p.X >> 1, Z: p.Z >> 1, Level: p.Level + 1}
}

// Children returns the four level-1 tiles that are scaled into p, ordered
// row by row. The index of a child is (dz<<1)|dx.
func (p Pos) Children() [4]Pos {
	var out [4]Pos
	for i := range out {
		out[i] = Pos{
			X:     p.X<<1 + int32(i&1),
			Z:     p.Z<<1 + int32(i>>1),
			Level: p.Level - 1,
		}
	}
	return out
}

// Neighbors returns the eight tiles surrounding p at the same level.
func (p Pos) Neighbors() [8]Pos {
	var out [8]Pos
	i := 0
	for dz := int32(-1); dz <= 1; dz++ {
		for dx := int32(-1); dx <= 1; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			out[i] = Pos{X: p.X + dx, Z: p.Z + dz, Level: p.Level}
			i++
		}
	}
	return out
}

// Compare orders positions by level, then X, then Z. Acquiring tile locks in
// this order is what keeps concurrent scaling deadlock free.
func (p Pos) Compare(o Pos) int {
	switch {
	case p.Level != o.Level:
		return cmp3(p.Level, o.Level)
	case p.X != o.X:
		return cmp3(p.X, o.X)
	default:
		return cmp3(p.Z, o.Z)
	}
}

func cmp3(a, b int32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Valid reports an error wrapping ErrInvalidPos when p lies outside [0, maxLevel].
func (p Pos) Valid(maxLevel int32) error {
	if p.Level < 0 || p.Level > maxLevel {
		return fmt.Errorf("%w: level %d outside [0, %d]", ErrInvalidPos, p.Level, maxLevel)
	}
	return nil
}

// BlockX returns the smallest block X coordinate covered by the tile.
func (p Pos) BlockX() int64 {
	return int64(p.X) << (SizeShift + p.Level)
}

// BlockZ returns the smallest block Z coordinate covered by the tile.
func (p Pos) BlockZ() int64 {
	return int64(p.Z) << (SizeShift + p.Level)
}

// SampleStride is the distance in blocks between two samples of the tile.
func (p Pos) SampleStride() int64 {
	return 1 << p.Level
}

// AtBlock returns the level-0 tile containing block (x, z).
func AtBlock(x, z int64) Pos {
	return Pos{X: int32(x >> SizeShift), Z: int32(z >> SizeShift)}
}
