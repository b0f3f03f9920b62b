package websock

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const DefaultRegistryCapacity = 32

// Registry is a fixed capacity table of live sessions. Every occupied slot holds exactly one reference to its
// session. Closed sessions are evicted lazily, on Add and Lookup.
type Registry struct {
	slotsM sync.Mutex
	slots  []*Session
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{slots: make([]*Session, capacity)}
}

func (r *Registry) Cap() int { return len(r.slots) }

// Len counts occupied slots, including ones whose session has closed but not yet been evicted
func (r *Registry) Len() int {
	r.slotsM.Lock()
	defer r.slotsM.Unlock()
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// must be holding slotsM
func (r *Registry) evict(i int) {
	log.Debugf("cleaning up websocket session %v in slot %v", r.slots[i].id, i)
	r.slots[i].Release()
	r.slots[i] = nil
}

// Add stores s in the first free slot after sweeping out closed sessions. It returns the slot index, or false if
// the table is full, in which case s is simply not tracked.
func (r *Registry) Add(s *Session) (int, bool) {
	r.slotsM.Lock()
	defer r.slotsM.Unlock()
	for i, slot := range r.slots {
		if slot != nil && slot.IsClosed() {
			r.evict(i)
		}
	}
	for i, slot := range r.slots {
		if slot == nil {
			log.Debugf("adding websocket session %v to slot %v", s.id, i)
			r.slots[i] = s.Acquire()
			return i, true
		}
	}
	log.Errorf("websocket registry full (%v sessions), session %v will not be tracked", len(r.slots), s.id)
	return -1, false
}

// Lookup returns a new reference to the session in slot i, or nil if the slot is empty or its session has
// closed. A returned session must be released by the caller.
func (r *Registry) Lookup(i int) *Session {
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	r.slotsM.Lock()
	defer r.slotsM.Unlock()
	s := r.slots[i]
	if s == nil {
		return nil
	}
	if s.IsClosed() {
		r.evict(i)
		return nil
	}
	return s.Acquire()
}

// ForEach calls fn with every open session, slot by slot. The table is not locked while fn runs. fn must not keep
// s beyond the call without acquiring it. Iteration stops when fn returns false.
func (r *Registry) ForEach(fn func(i int, s *Session) bool) {
	for i := range r.slots {
		s := r.Lookup(i)
		if s == nil {
			continue
		}
		more := fn(i, s)
		s.Release()
		if !more {
			return
		}
	}
}

// Broadcast sends data to every open session upgraded on route and returns how many it was delivered to. Sends
// happen outside the table lock.
func (r *Registry) Broadcast(route string, data []byte, flags Flag) int {
	delivered := 0
	r.ForEach(func(_ int, s *Session) bool {
		sRoute, open := s.Route()
		if !open || sRoute != route {
			return true
		}
		if _, err := s.Send(data, flags); err != nil {
			log.Debugf("broadcast to websocket session %v: %v", s.id, err)
			return true
		}
		delivered++
		return true
	})
	if delivered == 0 {
		log.Debugf("no websockets found for resource %v", route)
	} else {
		log.Debugf("broadcasted %v bytes to %v websockets", len(data), delivered)
	}
	return delivered
}
