package generator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes the procedural terrain and which levels may be
// generated directly.
type Profile struct {
	Seed          uint64   `yaml:"seed"`
	SeaLevel      int32    `yaml:"sea_level"`
	BaseHeight    int32    `yaml:"base_height"`
	MaxRoughLevel int32    `yaml:"max_rough_level"`
	Octaves       []Octave `yaml:"octaves"`
	BiomeScale    float64  `yaml:"biome_scale"`
	Biomes        []Biome  `yaml:"biomes"`
}

type Octave struct {
	Scale     float64 `yaml:"scale"`
	Amplitude float64 `yaml:"amplitude"`
}

type Biome struct {
	ID     uint8   `yaml:"id"`
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	// State is the surface block of the biome.
	State        uint16  `yaml:"state"`
	HeightOffset int32   `yaml:"height_offset"`
	HeightScale  float64 `yaml:"height_scale"`
}

// DefaultProfile returns a profile usable without any configuration file.
func DefaultProfile() Profile {
	return Profile{
		Seed:          0x5eed,
		SeaLevel:      63,
		BaseHeight:    64,
		MaxRoughLevel: 6,
		Octaves: []Octave{
			{Scale: 1024, Amplitude: 64},
			{Scale: 256, Amplitude: 24},
			{Scale: 64, Amplitude: 6},
			{Scale: 16, Amplitude: 1.5},
		},
		BiomeScale: 512,
		Biomes: []Biome{
			{ID: 1, Name: "plains", Weight: 10, State: 2, HeightScale: 0.6},
			{ID: 2, Name: "forest", Weight: 6, State: 2, HeightOffset: 2, HeightScale: 0.8},
			{ID: 3, Name: "desert", Weight: 4, State: 12, HeightOffset: 1, HeightScale: 0.4},
			{ID: 4, Name: "mountains", Weight: 3, State: 1, HeightOffset: 20, HeightScale: 1.8},
		},
	}
}

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) Validate() error {
	if p.MaxRoughLevel < 0 {
		return fmt.Errorf("max_rough_level cannot be negative")
	}
	if len(p.Octaves) == 0 {
		return fmt.Errorf("octaves cannot be empty")
	}
	for i, o := range p.Octaves {
		if o.Scale <= 0 {
			return fmt.Errorf("octaves[%d].scale must be positive", i)
		}
	}
	if p.BiomeScale <= 0 {
		return fmt.Errorf("biome_scale must be positive")
	}
	if len(p.Biomes) == 0 {
		return fmt.Errorf("biomes cannot be empty")
	}
	seen := make(map[uint8]bool, len(p.Biomes))
	for i, b := range p.Biomes {
		if b.Weight <= 0 {
			return fmt.Errorf("biomes[%d].weight must be positive", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("biomes[%d].id %d is duplicated", i, b.ID)
		}
		seen[b.ID] = true
		if b.HeightScale == 0 {
			p.Biomes[i].HeightScale = 1
		}
	}
	return nil
}
