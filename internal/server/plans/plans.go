// Package plans resolves a workload plan id to its resource demand and
// image family. Plan management itself lives outside this system; the file
// resolver exists so a deployment works from a static catalog.
package plans

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Plan is the resource footprint and runtime defaults a plan grants.
type Plan struct {
	ID          string `toml:"id"`
	CPUUnits    int64  `toml:"cpu_units"`
	MemoryMB    int64  `toml:"memory_mb"`
	DiskMB      int64  `toml:"disk_mb"`
	ImageFamily string `toml:"image_family"`
	Image       string `toml:"image"`
}

// Resolver is the collaborator interface the orchestration core consumes.
type Resolver interface {
	Resolve(id string) (*Plan, error)
}

// FileResolver serves plans from a TOML catalog loaded at startup.
type FileResolver struct {
	byID map[string]*Plan
}

type catalog struct {
	Plans []*Plan `toml:"plan"`
}

// LoadFile reads a plan catalog.
func LoadFile(path string) (*FileResolver, error) {
	cat := &catalog{}
	if _, err := toml.DecodeFile(path, cat); err != nil {
		return nil, fmt.Errorf("reading plan catalog: %w", err)
	}
	return NewStatic(cat.Plans), nil
}

// NewStatic builds a resolver from an in-memory plan list.
func NewStatic(list []*Plan) *FileResolver {
	byID := make(map[string]*Plan, len(list))
	for _, p := range list {
		byID[p.ID] = p
	}
	return &FileResolver{byID: byID}
}

func (r *FileResolver) Resolve(id string) (*Plan, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("no active plan %q", id)
	}
	return p, nil
}
