package generator

import (
	"fmt"

	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

// Heightmap samples one column per tile sample. Rough generation reads the
// procedural terrain directly at the sample spacing of the level; exact
// generation reads the authoritative source.
type Heightmap struct {
	ctx *Context
}

func NewHeightmap(ctx *Context) *Heightmap {
	return &Heightmap{ctx: ctx}
}

var _ Strategy = (*Heightmap)(nil)

func (g *Heightmap) RoughSupported(level int32) bool {
	return level >= 0 && level <= g.ctx.profile.MaxRoughLevel
}

func (g *Heightmap) TryRough(pos tile.Pos, dst *tile.Data) error {
	if !g.RoughSupported(pos.Level) {
		return fmt.Errorf("%w: rough at level %d", ErrNotSupported, pos.Level)
	}

	stride := pos.SampleStride()
	bx, bz := pos.BlockX(), pos.BlockZ()
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			col := g.ctx.ColumnAt(bx+int64(x)*stride, bz+int64(z)*stride)
			columnSample(col, dst.At(x, z))
		}
	}
	return nil
}

func (g *Heightmap) TryExact(pos tile.Pos, access source.Access, dst *tile.Data) error {
	if pos.Level != 0 {
		return fmt.Errorf("%w: exact at level %d", ErrNotSupported, pos.Level)
	}

	bx, bz := pos.BlockX(), pos.BlockZ()
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			col, ok := access.Column(bx+int64(x), bz+int64(z))
			if !ok {
				return fmt.Errorf("%w: column %d,%d", source.ErrNotLoaded, bx+int64(x), bz+int64(z))
			}
			columnSample(col, dst.At(x, z))
		}
	}
	return nil
}

func (g *Heightmap) TryScale(pos tile.Pos, children [4]*tile.Data, dst *tile.Data) error {
	if pos.Level == 0 {
		return fmt.Errorf("%w: scale at level 0", ErrNotSupported)
	}
	for i, c := range children {
		if c == nil {
			return fmt.Errorf("scale %s: child %d missing", pos, i)
		}
	}

	const half = tile.Size / 2
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			child := children[(z/half)<<1|(x/half)]
			sx, sz := (x%half)*2, (z%half)*2
			scaleSamples(dst.At(x, z),
				child.At(sx, sz), child.At(sx+1, sz),
				child.At(sx, sz+1), child.At(sx+1, sz+1),
			)
		}
	}
	return nil
}

// NeededRegions returns the single region a level-0 tile lies in.
func (g *Heightmap) NeededRegions(pos tile.Pos) []source.Region {
	if pos.Level != 0 {
		return nil
	}
	return []source.Region{source.RegionAt(pos.BlockX(), pos.BlockZ())}
}

// columnSample records the solid surface below any liquid, plus the light
// and biome seen at the water surface.
func columnSample(col source.Column, s *tile.Sample) {
	*s = tile.Sample{
		Height: col.Height,
		State:  col.State,
		Light:  col.Light,
		Biome:  col.Biome,
	}
	if col.WaterDepth > 0 {
		s.WaterLight = col.Light
		s.WaterBiome = col.Biome
		s.Light = uint8(max(int32(col.Light)-col.WaterDepth, 0))
	}
}

// scaleSamples averages heights and takes the remaining attributes from the
// highest input.
func scaleSamples(dst *tile.Sample, in ...*tile.Sample) {
	var sum int64
	top := in[0]
	var waterLight uint8
	for _, s := range in {
		sum += int64(s.Height)
		if s.Height > top.Height {
			top = s
		}
		waterLight = max(waterLight, s.WaterLight)
	}
	*dst = *top
	dst.Height = int32(floorDiv(sum, int64(len(in))))
	dst.WaterLight = waterLight
	if waterLight > 0 && dst.WaterBiome == 0 {
		for _, s := range in {
			if s.WaterLight > 0 {
				dst.WaterBiome = s.WaterBiome
				break
			}
		}
	}
}
