package replica

import (
	"cmp"
	"slices"

	"github.com/wesm/prtrail/internal/models"
)

// Entity is the constraint every synchronized kind satisfies.
type Entity[T any] interface {
	*T
	Meta() *models.Base
	Key() models.Key
	Timestamped() bool
	Absorb(src *T) bool
}

// Table is the per-kind access surface the sync engine works against.
type Table[T any, P Entity[T]] interface {
	Find(key models.Key) (P, bool)
	Upsert(rec P) (P, models.LifecycleAction)
	MarkPendingDelete(match func(P) bool) int
	Purge(match func(P) bool) []P
}

// Collection is an arena of records of one kind indexed by key. It tracks
// which records need to be written and which were purged since load.
type Collection[T any, P Entity[T]] struct {
	items  map[models.Key]P
	dirty  map[models.Key]struct{}
	purged map[models.Key]P
}

var _ Table[models.PullRequest, *models.PullRequest] = (*Collection[models.PullRequest, *models.PullRequest])(nil)

func NewCollection[T any, P Entity[T]]() *Collection[T, P] {
	return &Collection[T, P]{
		items:  make(map[models.Key]P),
		dirty:  make(map[models.Key]struct{}),
		purged: make(map[models.Key]P),
	}
}

func (c *Collection[T, P]) Len() int { return len(c.items) }

func (c *Collection[T, P]) Find(key models.Key) (P, bool) {
	rec, ok := c.items[key]
	return rec, ok
}

// Load adds a record read from the store without marking it for writing.
func (c *Collection[T, P]) Load(rec P) {
	c.items[rec.Key()] = rec
}

// Touch marks a record as needing to be written.
func (c *Collection[T, P]) Touch(rec P) {
	key := rec.Key()
	if _, ok := c.items[key]; ok {
		c.dirty[key] = struct{}{}
	}
}

// Upsert reconciles rec against the local copy with the same key.
// Absent records are inserted as new. Present records absorb the remote
// fields only when the remote timestamp advanced; kinds without a remote
// timestamp absorb when their content differs. The stored record is
// returned together with the action taken.
func (c *Collection[T, P]) Upsert(rec P) (P, models.LifecycleAction) {
	key := rec.Key()
	cur, ok := c.items[key]
	if !ok {
		rec.Meta().Action = models.ActionNoteNew
		c.items[key] = rec
		c.dirty[key] = struct{}{}
		return rec, models.ActionNoteNew
	}

	meta := cur.Meta()
	var changed bool
	if rec.Timestamped() {
		if rec.Meta().UpdatedAt.After(meta.UpdatedAt) {
			cur.Absorb(rec)
			changed = true
		}
	} else {
		changed = cur.Absorb(rec)
	}

	switch {
	case changed:
		if meta.Action != models.ActionNoteNew {
			meta.Action = models.ActionNoteUpdated
		}
		c.dirty[key] = struct{}{}
	case meta.Action == models.ActionPendingDelete:
		meta.Action = models.ActionNone
	}
	return cur, meta.Action
}

// MarkPendingDelete flags every matching record and returns how many.
func (c *Collection[T, P]) MarkPendingDelete(match func(P) bool) int {
	n := 0
	for _, rec := range c.items {
		if match == nil || match(rec) {
			rec.Meta().Action = models.ActionPendingDelete
			n++
		}
	}
	return n
}

// Retain clears the pending-delete flag of matching records.
func (c *Collection[T, P]) Retain(match func(P) bool) int {
	n := 0
	for _, rec := range c.items {
		meta := rec.Meta()
		if meta.Action == models.ActionPendingDelete && (match == nil || match(rec)) {
			meta.Action = models.ActionNone
			n++
		}
	}
	return n
}

// Purge removes matching records and returns them in key order.
func (c *Collection[T, P]) Purge(match func(P) bool) []P {
	var out []P
	for key, rec := range c.items {
		if match(rec) {
			delete(c.items, key)
			delete(c.dirty, key)
			c.purged[key] = rec
			out = append(out, rec)
		}
	}
	sortByKey(out)
	return out
}

// All returns every record in key order.
func (c *Collection[T, P]) All() []P {
	out := make([]P, 0, len(c.items))
	for _, rec := range c.items {
		out = append(out, rec)
	}
	sortByKey(out)
	return out
}

// Where returns matching records in key order.
func (c *Collection[T, P]) Where(match func(P) bool) []P {
	var out []P
	for _, rec := range c.items {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sortByKey(out)
	return out
}

// ByParent groups child records by the key of their owning pull request.
func (c *Collection[T, P]) ByParent() map[models.Key][]P {
	out := make(map[models.Key][]P)
	for _, rec := range c.All() {
		k := rec.Key()
		parent := models.Key{ServerID: k.ServerID, ExternalID: k.Parent}
		out[parent] = append(out[parent], rec)
	}
	return out
}

func (c *Collection[T, P]) Dirty() []P {
	out := make([]P, 0, len(c.dirty))
	for key := range c.dirty {
		out = append(out, c.items[key])
	}
	sortByKey(out)
	return out
}

func (c *Collection[T, P]) Purged() []P {
	out := make([]P, 0, len(c.purged))
	for _, rec := range c.purged {
		out = append(out, rec)
	}
	sortByKey(out)
	return out
}

// Count returns how many records currently carry action.
func (c *Collection[T, P]) Count(action models.LifecycleAction) int {
	n := 0
	for _, rec := range c.items {
		if rec.Meta().Action == action {
			n++
		}
	}
	return n
}

// ResetActions sets every surviving record back to ActionNone.
func (c *Collection[T, P]) ResetActions() {
	for _, rec := range c.items {
		rec.Meta().Action = models.ActionNone
	}
}

func sortByKey[T any, P Entity[T]](recs []P) {
	slices.SortFunc(recs, func(a, b P) int {
		ka, kb := a.Key(), b.Key()
		return cmp.Or(
			cmp.Compare(ka.ServerID, kb.ServerID),
			cmp.Compare(ka.Parent, kb.Parent),
			cmp.Compare(ka.ExternalID, kb.ExternalID),
		)
	})
}
