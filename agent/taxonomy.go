package agent

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
)

// TagCount is a tag and the number of documents carrying it.
type TagCount struct {
	Tag       string `json:"tag"`
	Documents int    `json:"documents"`
}

// TaxonomyMaster indexes the tags and classifications of processed documents.
// Re-indexing a document replaces its previous entry.
type TaxonomyMaster struct {
	id     string
	logger *slog.Logger

	mu       sync.RWMutex
	tags     map[string]map[core.ID]struct{}
	byDoc    map[core.ID]core.TaxonomyTask
	classify map[string]int
}

// NewTaxonomyMaster creates a taxonomy master agent.
func NewTaxonomyMaster(id string, logger *slog.Logger) *TaxonomyMaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaxonomyMaster{
		id:       id,
		logger:   logger.With("agent", id),
		tags:     make(map[string]map[core.ID]struct{}),
		byDoc:    make(map[core.ID]core.TaxonomyTask),
		classify: make(map[string]int),
	}
}

func (t *TaxonomyMaster) ID() string      { return t.id }
func (t *TaxonomyMaster) Role() core.Role { return core.RoleTaxonomyMaster }

func (t *TaxonomyMaster) Handlers() map[core.Kind]bus.Handler {
	return map[core.Kind]bus.Handler{core.KindTaskDelegation: t.HandleTask}
}

// HandleTask indexes one document.
func (t *TaxonomyMaster) HandleTask(_ context.Context, d *bus.Delivery) error {
	task, ok := d.Message.Payload.(core.TaxonomyTask)
	if !ok {
		return fmt.Errorf("%w: %s cannot handle %T", core.ErrInvalidMessage, t.id, d.Message.Payload)
	}
	t.Index(task)
	return nil
}

// Index records task's tags and classification for its document.
func (t *TaxonomyMaster) Index(task core.TaxonomyTask) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byDoc[task.DocumentID]; ok {
		t.remove(prev)
	}
	for _, tag := range task.Tags {
		docs, ok := t.tags[tag]
		if !ok {
			docs = make(map[core.ID]struct{})
			t.tags[tag] = docs
		}
		docs[task.DocumentID] = struct{}{}
	}
	if task.Classification != "" {
		t.classify[task.Classification]++
	}
	t.byDoc[task.DocumentID] = task
	t.logger.Debug("indexed document", "document", task.DocumentID, "tags", len(task.Tags))
}

func (t *TaxonomyMaster) remove(prev core.TaxonomyTask) {
	for _, tag := range prev.Tags {
		delete(t.tags[tag], prev.DocumentID)
		if len(t.tags[tag]) == 0 {
			delete(t.tags, tag)
		}
	}
	if prev.Classification != "" {
		t.classify[prev.Classification]--
		if t.classify[prev.Classification] == 0 {
			delete(t.classify, prev.Classification)
		}
	}
}

// Tags returns every tag by descending document count, then name.
func (t *TaxonomyMaster) Tags() []TagCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TagCount, 0, len(t.tags))
	for tag, docs := range t.tags {
		out = append(out, TagCount{Tag: tag, Documents: len(docs)})
	}
	slices.SortFunc(out, func(a, b TagCount) int {
		if c := cmp.Compare(b.Documents, a.Documents); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	return out
}

// Documents returns the documents tagged with tag, sorted.
func (t *TaxonomyMaster) Documents(tag string) []core.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.tags[tag]))
}

// Classifications returns the number of documents per classification.
func (t *TaxonomyMaster) Classifications() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.classify)
}

var _ TaskAgent = (*TaxonomyMaster)(nil)
