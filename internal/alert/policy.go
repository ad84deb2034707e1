package alert

import (
	"sort"
	"time"
)

// policy remembers the alerts seen in the current bucket. When the bucket
// key changes, alerts absent from the new set are gone and unseen ones are
// new. A nil key starts a new bucket on every call.
type policy struct {
	name    string
	key     func(now time.Time) string
	last    string
	started bool
	seen    map[string]*Alert
}

func newPolicy(name string) *policy {
	p := &policy{name: name, seen: make(map[string]*Alert)}
	switch name {
	case PolicyHourly:
		p.key = func(now time.Time) string { return now.UTC().Format("2006-01-02T15") }
	case PolicyDaily:
		p.key = func(now time.Time) string { return now.UTC().Format("2006-01-02") }
	case PolicyNever:
		p.key = func(time.Time) string { return "" }
	}
	return p
}

func (p *policy) receive(now time.Time, alerts []*Alert) (gone, added []*Alert) {
	var key string
	if p.key != nil {
		key = p.key(now)
		if p.started && key == p.last {
			return nil, nil
		}
	}
	current := make(map[string]*Alert, len(alerts))
	for _, a := range alerts {
		current[a.UUID] = a
	}
	for id, a := range p.seen {
		if _, ok := current[id]; !ok {
			gone = append(gone, a)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].UUID < gone[j].UUID })
	for _, a := range alerts {
		if _, ok := p.seen[a.UUID]; !ok {
			added = append(added, a)
		}
	}
	p.started = true
	p.last = key
	p.seen = current
	return gone, added
}
