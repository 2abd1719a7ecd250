package reconcile

import "github.com/juanpablocruz/blesync/pkg/model"

// idSet keeps insertion order and ignores repeats.
type idSet struct {
	order []model.ID
	index map[model.ID]struct{}
}

func newIDSet() *idSet { return &idSet{index: make(map[model.ID]struct{})} }

func (s *idSet) add(id model.ID) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *idSet) has(id model.ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *idSet) remove(id model.ID) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// popLast removes the most recently added id.
func (s *idSet) popLast() (model.ID, bool) {
	if len(s.order) == 0 {
		return model.ID{}, false
	}
	id := s.order[len(s.order)-1]
	s.order = s.order[:len(s.order)-1]
	delete(s.index, id)
	return id, true
}

func (s *idSet) len() int { return len(s.order) }

func (s *idSet) slice() []model.ID { return append([]model.ID(nil), s.order...) }

func (s *idSet) clear() {
	s.order = nil
	clear(s.index)
}
