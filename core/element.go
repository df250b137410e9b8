package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidElement   = errors.New("invalid element")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Category partitions a room's elements.
type Category string

const (
	Lines    Category = "lines"
	Shapes   Category = "shapes"
	Stickies Category = "stickies"
	Texts    Category = "texts"
)

// Categories lists every category in snapshot order.
var Categories = []Category{Lines, Shapes, Stickies, Texts}

func (c Category) Valid() bool {
	switch c {
	case Lines, Shapes, Stickies, Texts:
		return true
	}
	return false
}

const (
	fieldID       = "id"
	fieldCategory = "category"
)

// Element is one drawable unit. Apart from id and category its fields are
// opaque payload.
type Element map[string]any

func (e Element) ID() string {
	id, _ := e[fieldID].(string)
	return id
}

func (e Element) Category() Category {
	c, _ := e[fieldCategory].(string)
	return Category(c)
}

func (e Element) Validate() error {
	if e.ID() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidElement)
	}
	if !e.Category().Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidElement, e[fieldCategory])
	}
	return nil
}

// Clone makes a shallow copy; nested payload values are shared.
func (e Element) Clone() Element {
	c := make(Element, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// merge shallow-merges updates into e. The id and category of an element
// never change through an update.
func (e Element) merge(updates map[string]any) {
	for k, v := range updates {
		if k == fieldID || k == fieldCategory {
			continue
		}
		e[k] = v
	}
}

type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one mutation of a room snapshot.
type Operation struct {
	Kind      OpKind
	Element   Element
	ElementID string
	Updates   map[string]any
}

func AddOp(e Element) Operation {
	return Operation{Kind: OpAdd, Element: e, ElementID: e.ID()}
}

func UpdateOp(id string, updates map[string]any) Operation {
	return Operation{Kind: OpUpdate, ElementID: id, Updates: updates}
}

func DeleteOp(id string) Operation {
	return Operation{Kind: OpDelete, ElementID: id}
}

func (op Operation) Validate() error {
	switch op.Kind {
	case OpAdd:
		if op.Element == nil {
			return fmt.Errorf("%w: add without element", ErrInvalidOperation)
		}
		return op.Element.Validate()
	case OpUpdate:
		if op.ElementID == "" {
			return fmt.Errorf("%w: update without element id", ErrInvalidOperation)
		}
		if op.Updates == nil {
			return fmt.Errorf("%w: update without fields", ErrInvalidOperation)
		}
	case OpDelete:
		if op.ElementID == "" {
			return fmt.Errorf("%w: delete without element id", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}
