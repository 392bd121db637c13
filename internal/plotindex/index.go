// Package plotindex is the local owner-keyed record of mapped plots used
// for chat lookups and to skip plots that were already delivered.
package plotindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/fsutil"
)

const (
	DefaultFile  = "mappaturasmd_cache.json"
	UnknownOwner = "Senza proprietario"
	noPlotsFound = "Nessun plot trovato."
)

type Entry struct {
	Owner         string `json:"owner"`
	PlotID        string `json:"plotId"`
	CoordX        int    `json:"coordX"`
	CoordZ        int    `json:"coordZ"`
	FirstSeenAtMs int64  `json:"firstSeenAtMs"`
	Delivered     bool   `json:"delivered,omitempty"`
}

type persisted struct {
	ByOwner map[string][]Entry `json:"byOwner"`
}

type Options struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Index is safe for concurrent use. Every change is written through to the
// backing file when one is set.
type Index struct {
	path   string
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	byOwner map[string][]Entry
}

// Open loads path. A missing file gives an empty index; an unreadable one is
// logged and also starts empty. An empty path keeps the index in memory.
func Open(path string, opts Options) (*Index, error) {
	idx := &Index{
		path:    strings.TrimSpace(path),
		clock:   opts.Clock,
		logger:  opts.Logger,
		byOwner: map[string][]Entry{},
	}
	if idx.clock == nil {
		idx.clock = time.Now
	}
	if idx.logger == nil {
		idx.logger = zap.NewNop()
	}
	if idx.path == "" {
		return idx, nil
	}
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return idx, nil
		}
		return nil, err
	}
	var state persisted
	if err := json.Unmarshal(data, &state); err != nil {
		idx.logger.Warn("plot index unreadable, starting empty", zap.String("path", idx.path), zap.Error(err))
		return idx, nil
	}
	for key, entries := range state.ByOwner {
		kept := entries[:0]
		for _, entry := range entries {
			if strings.TrimSpace(entry.PlotID) != "" {
				kept = append(kept, entry)
			}
		}
		if len(kept) > 0 {
			idx.byOwner[key] = kept
		}
	}
	return idx, nil
}

// ownerKey folds case so "Mario" and "MARIO" share a bucket. Casers are
// stateful, hence one per call.
func ownerKey(owner string) string {
	return cases.Fold().String(strings.TrimSpace(owner))
}

// Record adds a collected plot under its owner.
func (idx *Index) Record(rec collector.Record) (bool, error) {
	return idx.RecordBasic(rec.Owner, rec.PlotID, rec.CoordX, rec.CoordZ)
}

// RecordBasic adds a plot unless the owner already has that plot id. Plots
// without an owner go to UnknownOwner.
func (idx *Index) RecordBasic(owner, plotID string, x, z int) (bool, error) {
	plotID = strings.TrimSpace(plotID)
	if plotID == "" {
		return false, nil
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = UnknownOwner
	}
	key := ownerKey(owner)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, entry := range idx.byOwner[key] {
		if entry.PlotID == plotID {
			return false, nil
		}
	}
	idx.byOwner[key] = append(idx.byOwner[key], Entry{
		Owner:         owner,
		PlotID:        plotID,
		CoordX:        x,
		CoordZ:        z,
		FirstSeenAtMs: idx.clock().UnixMilli(),
	})
	return true, idx.saveLocked()
}

// Search returns the owner's plots sorted by plot id.
func (idx *Index) Search(owner string) []Entry {
	idx.mu.Lock()
	out := append([]Entry(nil), idx.byOwner[ownerKey(owner)]...)
	idx.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlotID < out[j].PlotID })
	return out
}

// Owners lists the display name of every owner, case-insensitively sorted.
func (idx *Index) Owners() []string {
	idx.mu.Lock()
	out := make([]string, 0, len(idx.byOwner))
	for _, entries := range idx.byOwner {
		if len(entries) > 0 && strings.TrimSpace(entries[0].Owner) != "" {
			out = append(out, entries[0].Owner)
		}
	}
	idx.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := ownerKey(out[i]), ownerKey(out[j])
		if a != b {
			return a < b
		}
		return out[i] < out[j]
	})
	return out
}

// FormatForChat renders the owner's plots as "plotId - (x, z)" lines under
// the owner name.
func (idx *Index) FormatForChat(owner string) string {
	entries := idx.Search(owner)
	var b strings.Builder
	b.WriteString(owner)
	b.WriteString("\n")
	if len(entries) == 0 {
		b.WriteString(noPlotsFound)
		return b.String()
	}
	for _, entry := range entries {
		fmt.Fprintf(&b, "%s - (%d, %d)\n", entry.PlotID, entry.CoordX, entry.CoordZ)
	}
	return strings.TrimSpace(b.String())
}

// IsPlotMapped reports whether any owner has plotID.
func (idx *Index) IsPlotMapped(plotID string) bool {
	_, ok := idx.find(plotID)
	return ok
}

func (idx *Index) IsDelivered(plotID string) bool {
	entry, ok := idx.find(plotID)
	return ok && entry.Delivered
}

func (idx *Index) find(plotID string) (Entry, bool) {
	plotID = strings.TrimSpace(plotID)
	if plotID == "" {
		return Entry{}, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, entries := range idx.byOwner {
		for _, entry := range entries {
			if entry.PlotID == plotID {
				return entry, true
			}
		}
	}
	return Entry{}, false
}

// MarkDelivered flags every entry for plotID. It reports whether one was
// found.
func (idx *Index) MarkDelivered(plotID string) (bool, error) {
	plotID = strings.TrimSpace(plotID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	found, changed := false, false
	for key, entries := range idx.byOwner {
		for i := range entries {
			if entries[i].PlotID != plotID {
				continue
			}
			found = true
			if !entries[i].Delivered {
				entries[i].Delivered = true
				changed = true
			}
		}
		idx.byOwner[key] = entries
	}
	if !changed {
		return found, nil
	}
	return found, idx.saveLocked()
}

func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for _, entries := range idx.byOwner {
		n += len(entries)
	}
	return n
}

func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byOwner = map[string][]Entry{}
	return idx.saveLocked()
}

func (idx *Index) saveLocked() error {
	if idx.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(persisted{ByOwner: idx.byOwner}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(idx.path, data, 0o644)
}
