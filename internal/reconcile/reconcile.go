// Package reconcile turns a roster change stream into minimal render diffs.
package reconcile

import (
	"math"
	"sort"
	"sync"
	"time"

	"backend-fleetroster/internal/presence"
	"backend-fleetroster/internal/roster"
)

// coordPrecision rounds coordinates to five decimals, about 1.1 m.
const coordPrecision = 1e5

// View is what a renderer draws for one entity.
type View struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"display_name"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	HasLocation    bool           `json:"has_location"`
	AccuracyMeters float64        `json:"accuracy_m"`
	Presence       presence.State `json:"presence"`
	LastSeen       time.Time      `json:"last_seen"`
}

func round(v float64) float64 { return math.Round(v*coordPrecision) / coordPrecision }

// sameRender reports whether a and b draw identically.
func sameRender(a, b View) bool {
	return a.HasLocation == b.HasLocation &&
		round(a.Lat) == round(b.Lat) &&
		round(a.Lon) == round(b.Lon) &&
		a.Presence == b.Presence &&
		a.DisplayName == b.DisplayName
}

// Diff is applied by a renderer in order: removals, additions, updates.
type Diff struct {
	ToAdd    []View   `json:"to_add"`
	ToUpdate []View   `json:"to_update"`
	ToRemove []string `json:"to_remove"`
	Bounds   *Bounds  `json:"bounds,omitempty"`
}

// Empty ignores Bounds; a diff without entity changes needs no repaint.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

type entry struct {
	entity roster.Entity
	view   View
}

// Reconciler owns the last rendered snapshot of one consumer. It is safe for
// concurrent use.
type Reconciler struct {
	policy presence.Policy
	now    func() time.Time

	mu       sync.Mutex
	snapshot map[string]entry
}

func New(policy presence.Policy, now func() time.Time) *Reconciler {
	if policy.Name == "" {
		policy = presence.Standard
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{policy: policy, now: now, snapshot: make(map[string]entry)}
}

func (r *Reconciler) render(e roster.Entity, now time.Time) View {
	v := View{
		ID:          e.ID,
		DisplayName: e.DisplayName(),
		Presence:    r.policy.Classify(e.IsOnline, e.LastSeen, now),
		LastSeen:    e.LastSeen,
	}
	if e.Location != nil {
		v.HasLocation = true
		v.Lat = e.Location.Lat
		v.Lon = e.Location.Lon
		v.AccuracyMeters = e.Location.AccuracyMeters
	}
	return v
}

// Seed replaces the snapshot with entities and renders them as one all-add
// diff.
func (r *Reconciler) Seed(entities []roster.Entity) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.snapshot = make(map[string]entry, len(entities))
	var d Diff
	for _, e := range entities {
		v := r.render(e, now)
		r.snapshot[e.ID] = entry{entity: e, view: v}
		d.ToAdd = append(d.ToAdd, v)
	}
	sort.Slice(d.ToAdd, func(i, j int) bool { return d.ToAdd[i].ID < d.ToAdd[j].ID })
	d.Bounds = r.bounds()
	return d
}

func (r *Reconciler) ApplyChange(c roster.Change) Diff {
	return r.ApplyBatch([]roster.Change{c})
}

// ApplyBatch folds changes into the snapshot and returns the net diff.
func (r *Reconciler) ApplyBatch(changes []roster.Change) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b := newBuilder()
	for _, c := range changes {
		switch c.Kind {
		case roster.Removed:
			delete(r.snapshot, c.EntityID)
			b.remove(c.EntityID)
		case roster.Added, roster.Updated:
			if c.Entity == nil {
				continue
			}
			e := *c.Entity
			v := r.render(e, now)
			prev, known := r.snapshot[e.ID]
			r.snapshot[e.ID] = entry{entity: e, view: v}
			switch {
			case !known:
				b.add(v)
			case !sameRender(prev.view, v):
				b.update(v)
			}
		}
	}
	d := b.diff()
	d.Bounds = r.bounds()
	return d
}

// Refresh re-evaluates presence at now and reports entities whose state
// decayed since the last render.
func (r *Reconciler) Refresh(now time.Time) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := newBuilder()
	for id, ent := range r.snapshot {
		v := r.render(ent.entity, now)
		if !sameRender(ent.view, v) {
			r.snapshot[id] = entry{entity: ent.entity, view: v}
			b.update(v)
		}
	}
	d := b.diff()
	sort.Slice(d.ToUpdate, func(i, j int) bool { return d.ToUpdate[i].ID < d.ToUpdate[j].ID })
	d.Bounds = r.bounds()
	return d
}

// Reset discards the snapshot.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.snapshot = make(map[string]entry)
	r.mu.Unlock()
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshot)
}

// builder keeps the net effect per id across a batch, in first-seen order.
type builder struct {
	order   []string
	seen    map[string]bool
	adds    map[string]View
	updates map[string]View
	removes []string
}

func newBuilder() *builder {
	return &builder{seen: map[string]bool{}, adds: map[string]View{}, updates: map[string]View{}}
}

func (b *builder) touch(id string) {
	if !b.seen[id] {
		b.seen[id] = true
		b.order = append(b.order, id)
	}
}

func (b *builder) add(v View) {
	b.touch(v.ID)
	delete(b.updates, v.ID)
	b.adds[v.ID] = v
}

func (b *builder) update(v View) {
	if _, ok := b.adds[v.ID]; ok {
		b.adds[v.ID] = v
		return
	}
	b.touch(v.ID)
	b.updates[v.ID] = v
}

func (b *builder) remove(id string) {
	delete(b.adds, id)
	delete(b.updates, id)
	for _, r := range b.removes {
		if r == id {
			return
		}
	}
	b.removes = append(b.removes, id)
}

func (b *builder) diff() Diff {
	var d Diff
	for _, id := range b.order {
		if v, ok := b.adds[id]; ok {
			d.ToAdd = append(d.ToAdd, v)
		} else if v, ok := b.updates[id]; ok {
			d.ToUpdate = append(d.ToUpdate, v)
		}
	}
	d.ToRemove = b.removes
	return d
}
