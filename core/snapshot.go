package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type collection struct {
	order []string
	items map[string]Element
}

func newCollection() *collection {
	return &collection{items: make(map[string]Element)}
}

func (c *collection) put(e Element) {
	id := e.ID()
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = e
}

func (c *collection) remove(id string) {
	if _, ok := c.items[id]; !ok {
		return
	}
	delete(c.items, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Snapshot is the set of elements of one room, partitioned by category.
// Elements keep their insertion order within a category. A Snapshot is not
// safe for concurrent use.
type Snapshot struct {
	collections map[Category]*collection
	index       map[string]Category
}

func NewSnapshot() *Snapshot {
	s := &Snapshot{
		collections: make(map[Category]*collection, len(Categories)),
		index:       make(map[string]Category),
	}
	for _, c := range Categories {
		s.collections[c] = newCollection()
	}
	return s
}

// Apply mutates the snapshot. Adds overwrite by id, updates shallow-merge
// into an existing element and deletes remove by id. Updates and deletes of
// absent ids are no-ops. It reports whether the snapshot changed.
func (s *Snapshot) Apply(op Operation) (bool, error) {
	if err := op.Validate(); err != nil {
		return false, err
	}

	switch op.Kind {
	case OpAdd:
		e := op.Element.Clone()
		id := e.ID()
		if prev, ok := s.index[id]; ok && prev != e.Category() {
			s.collections[prev].remove(id)
		}
		s.collections[e.Category()].put(e)
		s.index[id] = e.Category()
		return true, nil
	case OpUpdate:
		cat, ok := s.index[op.ElementID]
		if !ok {
			return false, nil
		}
		s.collections[cat].items[op.ElementID].merge(op.Updates)
		return true, nil
	case OpDelete:
		cat, ok := s.index[op.ElementID]
		if !ok {
			return false, nil
		}
		s.collections[cat].remove(op.ElementID)
		delete(s.index, op.ElementID)
		return true, nil
	}
	return false, nil
}

func (s *Snapshot) Get(id string) (Element, bool) {
	cat, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.collections[cat].items[id].Clone(), true
}

func (s *Snapshot) Len() int {
	return len(s.index)
}

// Category returns copies of the elements of one category in order.
func (s *Snapshot) Category(c Category) []Element {
	col, ok := s.collections[c]
	if !ok {
		return nil
	}
	out := make([]Element, 0, len(col.order))
	for _, id := range col.order {
		out = append(out, col.items[id].Clone())
	}
	return out
}

// Elements flattens all categories in snapshot order.
func (s *Snapshot) Elements() []Element {
	out := make([]Element, 0, s.Len())
	for _, c := range Categories {
		out = append(out, s.Category(c)...)
	}
	return out
}

func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for _, cat := range Categories {
		for _, e := range s.Category(cat) {
			c.collections[cat].put(e)
			c.index[e.ID()] = cat
		}
	}
	return c
}

// Encode renders the snapshot as a room document.
func (s *Snapshot) Encode() (*Document, error) {
	body := make(map[Category][]Element, len(Categories))
	for _, c := range Categories {
		body[c] = s.Category(c)
	}

	var doc Document
	if err := json.NewEncoder(&doc.Data).Encode(body); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return &doc, nil
}

// DecodeSnapshot materializes a room document. Elements that fail
// validation are skipped; a document without data yields an empty snapshot.
func DecodeSnapshot(doc *Document) (*Snapshot, error) {
	s := NewSnapshot()
	if doc == nil || doc.Data.Len() == 0 {
		return s, nil
	}

	var body map[Category][]Element
	if err := json.NewDecoder(bytes.NewReader(doc.Data.Bytes())).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	for _, c := range Categories {
		for _, e := range body[c] {
			if e == nil {
				continue
			}
			if e.Category() == "" {
				e[fieldCategory] = string(c)
			}
			if _, err := s.Apply(AddOp(e)); err != nil {
				continue
			}
		}
	}
	return s, nil
}
