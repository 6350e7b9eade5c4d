package chat

import "time"

// dedupWindow remembers ids seen within ttl, bounded to limit entries.
type dedupWindow struct {
	ttl   time.Duration
	limit int
	seen  map[string]time.Time
	order []seenID
}

type seenID struct {
	id string
	at time.Time
}

func newDedupWindow(ttl time.Duration, limit int) *dedupWindow {
	return &dedupWindow{ttl: ttl, limit: limit, seen: make(map[string]time.Time)}
}

// check reports whether id was seen within the window and records it if not.
func (d *dedupWindow) check(id string, now time.Time) bool {
	d.expire(now)
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	d.order = append(d.order, seenID{id, now})
	for len(d.order) > d.limit {
		delete(d.seen, d.order[0].id)
		d.order = d.order[1:]
	}
	return false
}

func (d *dedupWindow) expire(now time.Time) {
	cutoff := now.Add(-d.ttl)
	i := 0
	for ; i < len(d.order) && d.order[i].at.Before(cutoff); i++ {
		delete(d.seen, d.order[i].id)
	}
	d.order = d.order[i:]
}
