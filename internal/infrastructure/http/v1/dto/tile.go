package dto

import (
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/internal/usecase"
)

type TileRequest struct {
	Level    int32  `json:"level" validate:"gte=0,lte=24"`
	X        int32  `json:"x"`
	Z        int32  `json:"z"`
	Priority *int32 `json:"priority" validate:"omitempty,gte=0,lte=1000"`
}

func (r TileRequest) Pos() tile.Pos {
	return tile.Pos{X: r.X, Z: r.Z, Level: r.Level}
}

type TaskResponse struct {
	Task     string `json:"task"`
	Priority int32  `json:"priority"`
}

type Sample struct {
	Height     int32  `json:"height"`
	State      uint16 `json:"state"`
	Light      uint8  `json:"light"`
	Biome      uint8  `json:"biome"`
	WaterLight uint8  `json:"water_light,omitempty"`
	WaterBiome uint8  `json:"water_biome,omitempty"`
}

// TileResponse carries the samples of a tile in row-major order, z outer.
type TileResponse struct {
	Level     int32    `json:"level"`
	X         int32    `json:"x"`
	Z         int32    `json:"z"`
	Timestamp int64    `json:"timestamp"`
	State     string   `json:"state"`
	Accuracy  int32    `json:"accuracy"`
	Samples   []Sample `json:"samples"`
}

func NewTileResponse(s usecase.Snapshot) TileResponse {
	samples := make([]Sample, len(s.Data.Samples))
	for i, in := range s.Data.Samples {
		samples[i] = Sample{
			Height:     in.Height,
			State:      in.State,
			Light:      in.Light,
			Biome:      in.Biome,
			WaterLight: in.WaterLight,
			WaterBiome: in.WaterBiome,
		}
	}
	return TileResponse{
		Level:     s.Pos.Level,
		X:         s.Pos.X,
		Z:         s.Pos.Z,
		Timestamp: int64(s.Timestamp),
		State:     s.Timestamp.String(),
		Accuracy:  s.Timestamp.Accuracy(),
		Samples:   samples,
	}
}
