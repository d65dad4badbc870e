package notify

import "strconv"

// Deduper makes a subscriber idempotent against duplicate delivery.
//
// An event is a duplicate if its id was seen before, or if the same action
// was already applied to the same record id. Memory is bounded: the oldest
// keys are forgotten once capacity is reached.
type Deduper struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

// NewDeduper remembers up to capacity keys. capacity <= 0 selects 1024.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Deduper{capacity: capacity, seen: make(map[string]struct{})}
}

// Seen records ev and reports whether it was already delivered.
// Not safe for concurrent use; each subscriber owns one.
func (d *Deduper) Seen(ev Event) bool {
	keys := make([]string, 0, 2)
	if ev.ID != "" {
		keys = append(keys, "event:"+ev.ID)
	}
	// Updates may legitimately repeat for one record, so only adds are
	// keyed by record id.
	if ev.Action == ActionAddRecord {
		if id := ev.RecordID(); id != 0 {
			keys = append(keys, ev.Action+":"+strconv.FormatInt(id, 10))
		}
	}

	dup := false
	for _, k := range keys {
		if _, ok := d.seen[k]; ok {
			dup = true
		}
	}
	for _, k := range keys {
		d.remember(k)
	}
	return dup
}

func (d *Deduper) remember(k string) {
	if _, ok := d.seen[k]; ok {
		return
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[k] = struct{}{}
	d.order = append(d.order, k)
}
