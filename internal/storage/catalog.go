package storage

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/manifest"
)

// Entry is one backup artifact found in a storage location.
type Entry struct {
	Name     string
	Size     int64
	ModTime  time.Time
	Kind     compress.ArtifactKind
	Manifest *manifest.Manifest
}

// CreatedAt prefers the manifest's timestamp over the object's.
func (e Entry) CreatedAt() time.Time {
	if e.Manifest != nil && !e.Manifest.CreatedAt.IsZero() {
		return e.Manifest.CreatedAt
	}
	return e.ModTime
}

type CatalogFilter struct {
	Engine   string
	Database string
}

func (f CatalogFilter) match(e Entry) bool {
	if e.Manifest == nil {
		return f.Engine == "" && (f.Database == "" || strings.HasPrefix(e.Name, f.Database+"_"))
	}
	if f.Engine != "" && e.Manifest.Engine != f.Engine {
		return false
	}
	return f.Database == "" || e.Manifest.DBName == f.Database
}

// Catalog lists the backup artifacts in s, newest first, attaching each
// artifact's manifest when one exists.
func Catalog(ctx context.Context, s Storage, filter CatalogFilter) ([]Entry, error) {
	objects, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]bool)
	for _, o := range objects {
		if strings.HasSuffix(o.Name, manifest.Ext) {
			manifests[o.Name] = true
		}
	}

	var entries []Entry
	for _, o := range objects {
		if !compress.IsArtifact(o.Name) {
			continue
		}
		kind, _, _ := compress.DetectArtifact(o.Name)
		e := Entry{Name: o.Name, Size: o.Size, ModTime: o.ModTime, Kind: kind}
		if manifests[manifest.PathFor(o.Name)] {
			e.Manifest = readManifest(ctx, s, manifest.PathFor(o.Name))
		}
		if filter.match(e) {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt().After(entries[j].CreatedAt())
	})
	return entries, nil
}

func readManifest(ctx context.Context, s Storage, name string) *manifest.Manifest {
	r, err := s.Open(ctx, name)
	if err != nil {
		return nil
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil
	}
	m, err := manifest.Deserialize(data)
	if err != nil {
		return nil
	}
	return m
}
