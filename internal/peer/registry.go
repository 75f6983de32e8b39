package peer

import "sync"

type entry struct {
	id uint64
	h  AckHandler
}

type registry struct {
	mu   sync.Mutex
	seq  uint64
	subs map[AppID][]entry
}

func (r *registry) add(app AppID, h AckHandler) func() {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	if r.subs == nil {
		r.subs = map[AppID][]entry{}
	}
	r.seq++
	id := r.seq
	r.subs[app] = append(r.subs[app], entry{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.subs[app]
			for i, e := range list {
				if e.id == id {
					r.subs[app] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(r.subs[app]) == 0 {
				delete(r.subs, app)
			}
		})
	}
}

// get snapshots handlers so callbacks run without the lock held.
func (r *registry) get(app AppID) []AckHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[app]
	out := make([]AckHandler, 0, len(list))
	for _, e := range list {
		out = append(out, e.h)
	}
	return out
}
