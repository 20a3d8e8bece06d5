package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Sample is one heightmap column of a tile.
type Sample struct {
	Height     int32
	State      uint16
	Light      uint8
	Biome      uint8
	WaterLight uint8
	WaterBiome uint8
}

const (
	sampleBytes = 10
	dataBytes   = Size * Size * sampleBytes
)

var ErrCorruptData = errors.New("corrupt tile data")

// Data is the uncompressed payload of a tile.
type Data struct {
	Samples [Size * Size]Sample
}

// At returns the sample at (x, z) in tile-local coordinates.
func (d *Data) At(x, z int) *Sample {
	return &d.Samples[z*Size+x]
}

func (d *Data) Reset() {
	d.Samples = [Size * Size]Sample{}
}

// AppendBinary appends the little endian fixed layout of d to b.
func (d *Data) AppendBinary(b []byte) []byte {
	for i := range d.Samples {
		s := &d.Samples[i]
		b = binary.LittleEndian.AppendUint32(b, uint32(s.Height))
		b = binary.LittleEndian.AppendUint16(b, s.State)
		b = append(b, s.Light, s.Biome, s.WaterLight, s.WaterBiome)
	}
	return b
}

func (d *Data) UnmarshalBinary(b []byte) error {
	if len(b) != dataBytes {
		return fmt.Errorf("%w: %d bytes, want %d", ErrCorruptData, len(b), dataBytes)
	}
	for i := range d.Samples {
		o := b[i*sampleBytes:]
		d.Samples[i] = Sample{
			Height:     int32(binary.LittleEndian.Uint32(o)),
			State:      binary.LittleEndian.Uint16(o[4:]),
			Light:      o[6],
			Biome:      o[7],
			WaterLight: o[8],
			WaterBiome: o[9],
		}
	}
	return nil
}

// Pool hands out scratch Data buffers.
type Pool struct {
	p sync.Pool
}

func NewPool() *Pool {
	return &Pool{p: sync.Pool{New: func() any { return new(Data) }}}
}

// Get returns a zeroed buffer. It must be returned with Put.
func (p *Pool) Get() *Data {
	d := p.p.Get().(*Data)
	d.Reset()
	return d
}

func (p *Pool) Put(d *Data) {
	if d != nil {
		p.p.Put(d)
	}
}

// With runs fn with a scratch buffer that is released when fn returns.
func (p *Pool) With(fn func(*Data) error) error {
	d := p.Get()
	defer p.Put(d)
	return fn(d)
}
