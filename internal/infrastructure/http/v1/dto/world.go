package dto

import "github.com/Singlerr/FarPlaneTwo/internal/source"

type Region struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

type LoadRegionsRequest struct {
	Regions []Region `json:"regions" validate:"required,min=1,max=1024,dive"`
}

func (r LoadRegionsRequest) SourceRegions() []source.Region {
	out := make([]source.Region, len(r.Regions))
	for i, reg := range r.Regions {
		out[i] = source.Region{X: reg.X, Z: reg.Z}
	}
	return out
}

type Column struct {
	X          int64  `json:"x"`
	Z          int64  `json:"z"`
	Height     int32  `json:"height"`
	State      uint16 `json:"state"`
	Biome      uint8  `json:"biome"`
	Light      uint8  `json:"light" validate:"lte=15"`
	WaterDepth int32  `json:"water_depth" validate:"gte=0"`
}

type SetColumnsRequest struct {
	Columns []Column `json:"columns" validate:"required,min=1,max=65536,dive"`
}

func (r SetColumnsRequest) Edits() []source.ColumnEdit {
	out := make([]source.ColumnEdit, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = source.ColumnEdit{
			X: c.X,
			Z: c.Z,
			Column: source.Column{
				Height:     c.Height,
				State:      c.State,
				Biome:      c.Biome,
				Light:      c.Light,
				WaterDepth: c.WaterDepth,
			},
		}
	}
	return out
}

type VersionResponse struct {
	Version int64 `json:"version"`
}

type HealthResponse struct {
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	LiveTiles int    `json:"live_tiles"`
}
