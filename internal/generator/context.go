package generator

import (
	"encoding/binary"
	"math"

	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/cespare/xxhash/v2"
)

const (
	maxLight    = 15
	biomeSalt   = 0xb10e
	octaveSalt  = 0x0c7a
	minHeight   = -64
	maxHeight   = 320
	fullCutoffs = 1 << 16
)

// Context is the immutable environment the heightmap strategy samples from:
// the profile plus tables derived from it.
type Context struct {
	profile Profile
	// cutoffs maps a uniform 16 bit value to a biome index.
	cutoffs []uint32
}

func NewContext(p Profile) (*Context, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var total float64
	for _, b := range p.Biomes {
		total += b.Weight
	}
	cutoffs := make([]uint32, len(p.Biomes))
	var acc float64
	for i, b := range p.Biomes {
		acc += b.Weight
		cutoffs[i] = uint32(acc / total * fullCutoffs)
	}
	cutoffs[len(cutoffs)-1] = fullCutoffs

	return &Context{profile: p, cutoffs: cutoffs}, nil
}

func (c *Context) Profile() Profile { return c.profile }

func (c *Context) hash(salt uint64, x, z int64) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], c.profile.Seed^salt)
	binary.LittleEndian.PutUint64(buf[8:], uint64(x))
	binary.LittleEndian.PutUint64(buf[16:], uint64(z))
	return xxhash.Sum64(buf[:])
}

// lattice returns a value in [-1, 1] for an integer lattice point.
func (c *Context) lattice(salt uint64, x, z int64) float64 {
	return float64(c.hash(salt, x, z)>>11)/float64(1<<52) - 1
}

// valueNoise is bilinear value noise with smoothstep interpolation.
func (c *Context) valueNoise(salt uint64, x, z float64) float64 {
	x0, z0 := math.Floor(x), math.Floor(z)
	ix, iz := int64(x0), int64(z0)
	fx, fz := smooth(x-x0), smooth(z-z0)

	v00 := c.lattice(salt, ix, iz)
	v10 := c.lattice(salt, ix+1, iz)
	v01 := c.lattice(salt, ix, iz+1)
	v11 := c.lattice(salt, ix+1, iz+1)

	top := v00 + (v10-v00)*fx
	bottom := v01 + (v11-v01)*fx
	return top + (bottom-top)*fz
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

// BiomeAt picks a biome per biome cell using the weight table.
func (c *Context) BiomeAt(x, z int64) Biome {
	scale := int64(c.profile.BiomeScale)
	if scale < 1 {
		scale = 1
	}
	cx, cz := floorDiv(x, scale), floorDiv(z, scale)
	v := uint32(c.hash(biomeSalt, cx, cz) & (fullCutoffs - 1))
	for i, cut := range c.cutoffs {
		if v < cut {
			return c.profile.Biomes[i]
		}
	}
	return c.profile.Biomes[len(c.profile.Biomes)-1]
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// HeightAt returns the procedural surface height at a block.
func (c *Context) HeightAt(x, z int64, b Biome) int32 {
	var h float64
	for i, o := range c.profile.Octaves {
		h += c.valueNoise(octaveSalt+uint64(i), float64(x)/o.Scale, float64(z)/o.Scale) * o.Amplitude
	}
	height := c.profile.BaseHeight + b.HeightOffset + int32(math.Round(h*b.HeightScale))
	return min(max(height, minHeight), maxHeight)
}

// ColumnAt is the procedural ground truth for a block column. It backs the
// rough generator and seeds the authoritative source.
func (c *Context) ColumnAt(x, z int64) source.Column {
	b := c.BiomeAt(x, z)
	h := c.HeightAt(x, z, b)
	col := source.Column{
		Height: h,
		State:  b.State,
		Biome:  b.ID,
		Light:  maxLight,
	}
	if h < c.profile.SeaLevel {
		col.WaterDepth = c.profile.SeaLevel - h
	}
	return col
}
