package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

// Fill produces the initial content of a column when a region is first
// materialised.
type Fill func(x, z int64) Column

// ChangeFunc is invoked after authoritative data changed.
type ChangeFunc func(regions []Region, version tile.Timestamp)

type regionData [regionSize * regionSize]Column

// ColumnEdit replaces one column.
type ColumnEdit struct {
	X      int64
	Z      int64
	Column Column
}

// Memory is an in-memory Source. Regions are copy-on-write so views handed
// out by Prefetch never observe later edits.
type Memory struct {
	fill     Fill
	lazyLoad bool

	mu        sync.RWMutex
	regions   map[Region]*regionData
	version   tile.Timestamp
	listeners []ChangeFunc
}

// NewMemory returns a source backed by fill. With lazyLoad, Prefetch
// materialises missing regions on demand; otherwise they must be loaded with
// LoadRegions first.
func NewMemory(fill Fill, lazyLoad bool) *Memory {
	return &Memory{
		fill:     fill,
		lazyLoad: lazyLoad && fill != nil,
		regions:  make(map[Region]*regionData),
		version:  tile.Exact,
	}
}

var _ Source = (*Memory)(nil)

func (m *Memory) Subscribe(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Memory) Version() tile.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Memory) Prefetch(ctx context.Context, regions []Region) (Access, error) {
	view := &memoryAccess{regions: make(map[Region]*regionData, len(regions))}

	m.mu.RLock()
	missing := m.collect(regions, view)
	view.version = m.version
	m.mu.RUnlock()

	if len(missing) == 0 {
		return view, nil
	}
	if !m.lazyLoad {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, missing)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, r := range missing {
		if _, ok := m.regions[r]; !ok {
			m.regions[r] = m.materialise(r)
		}
	}
	m.collect(regions, view)
	view.version = m.version
	m.mu.Unlock()

	return view, nil
}

func (m *Memory) collect(regions []Region, view *memoryAccess) []Region {
	var missing []Region
	for _, r := range regions {
		data, ok := m.regions[r]
		if !ok {
			missing = append(missing, r)
			continue
		}
		view.regions[r] = data
	}
	return missing
}

func (m *Memory) materialise(r Region) *regionData {
	data := new(regionData)
	if m.fill == nil {
		return data
	}
	bx, bz := int64(r.X)<<RegionShift, int64(r.Z)<<RegionShift
	for z := 0; z < regionSize; z++ {
		for x := 0; x < regionSize; x++ {
			data[z*regionSize+x] = m.fill(bx+int64(x), bz+int64(z))
		}
	}
	return data
}

// LoadRegions materialises regions that are not present yet. If any was
// added the version is bumped and listeners are told which.
func (m *Memory) LoadRegions(ctx context.Context, regions []Region) (tile.Timestamp, error) {
	m.mu.Lock()
	var added []Region
	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return 0, err
		}
		if _, ok := m.regions[r]; ok {
			continue
		}
		m.regions[r] = m.materialise(r)
		added = append(added, r)
	}
	return m.commit(added)
}

// SetColumns applies edits, bumps the version and notifies listeners.
func (m *Memory) SetColumns(edits []ColumnEdit) (tile.Timestamp, error) {
	m.mu.Lock()
	touched := make(map[Region]*regionData)
	var changed []Region
	for _, e := range edits {
		r := RegionAt(e.X, e.Z)
		data, ok := touched[r]
		if !ok {
			old, loaded := m.regions[r]
			if !loaded {
				m.mu.Unlock()
				return 0, fmt.Errorf("%w: %v", ErrNotLoaded, r)
			}
			cp := *old
			data = &cp
			touched[r] = data
			changed = append(changed, r)
		}
		lx, lz := e.X&(regionSize-1), e.Z&(regionSize-1)
		data[lz*regionSize+lx] = e.Column
	}
	for r, data := range touched {
		m.regions[r] = data
	}
	return m.commit(changed)
}

// commit must be called with mu held and releases it.
func (m *Memory) commit(changed []Region) (tile.Timestamp, error) {
	if len(changed) == 0 {
		v := m.version
		m.mu.Unlock()
		return v, nil
	}
	m.version++
	v := m.version
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(changed, v)
	}
	return v, nil
}

type memoryAccess struct {
	version tile.Timestamp
	regions map[Region]*regionData
}

func (a *memoryAccess) Version() tile.Timestamp { return a.version }

func (a *memoryAccess) Column(x, z int64) (Column, bool) {
	data, ok := a.regions[RegionAt(x, z)]
	if !ok {
		return Column{}, false
	}
	return data[(z&(regionSize-1))*regionSize+(x&(regionSize-1))], true
}
