package yjs

import "strings"

// Text is a view over a root shared-text type. The relay reads it for
// persistence; tests also write through it to simulate editing clients.
type Text struct {
	doc *Doc
	t   *Type
}

// GetText returns the named root text type.
func (y *Doc) GetText(name string) *Text {
	return &Text{doc: y, t: y.GetRoot(name)}
}

// String materializes the visible text content in document order.
func (t *Text) String() string {
	var b strings.Builder
	for it := t.t.Start; it != nil; it = it.Right {
		if it.Deleted || it.GC {
			continue
		}
		if cs, ok := it.Content.(*ContentString); ok {
			b.WriteString(string(cs.Str))
		}
	}
	return b.String()
}

// Len returns the countable length (UTF-16 units, matching Yjs indices).
func (t *Text) Len() uint64 {
	var n uint64
	for it := t.t.Start; it != nil; it = it.Right {
		if it.Deleted || it.GC || !it.Countable() {
			continue
		}
		n += it.Len()
	}
	return n
}

// findPosition walks to index, splitting a straddled item so the position
// falls on an item boundary. Returns the left neighbor (nil at the start).
func (t *Text) findPosition(index uint64) (*Item, error) {
	var left *Item
	remaining := index
	it := t.t.Start
	for it != nil && remaining > 0 {
		if !it.Deleted && !it.GC && it.Countable() {
			if remaining < it.Len() {
				if _, err := t.doc.getItemCleanEnd(ID{Client: it.ID.Client, Clock: it.ID.Clock + remaining - 1}); err != nil {
					return nil, err
				}
				// it now ends exactly at the position
				left = it
				return left, nil
			}
			remaining -= it.Len()
		}
		left = it
		it = it.Right
	}
	return left, nil
}

// Insert writes s at index and returns the encoded update describing the
// change, suitable for broadcasting to peers.
func (t *Text) Insert(index uint64, s string) ([]byte, error) {
	if s == "" {
		return encodeItemsAsUpdate(nil, nil), nil
	}
	left, err := t.findPosition(index)
	if err != nil {
		return nil, err
	}
	var right *Item
	if left != nil {
		right = left.Right
	} else {
		right = t.t.Start
	}

	it := &Item{
		ID:        ID{Client: t.doc.ClientID, Clock: t.doc.State(t.doc.ClientID)},
		Left:      left,
		Right:     right,
		Parent:    t.t,
		hasParent: true,
		Content:   &ContentString{Str: []rune(s)},
	}
	if left != nil {
		last := left.LastID()
		it.Origin = &last
	}
	if right != nil {
		it.RightOrigin = &right.ID
	}
	if err := t.doc.integrate(it, 0); err != nil {
		return nil, err
	}
	update := encodeItemsAsUpdate([]*Item{it}, nil)
	t.doc.emitUpdate(update, nil)
	return update, nil
}

// Delete tombstones length positions starting at index and returns the
// encoded update (delete-set only).
func (t *Text) Delete(index, length uint64) ([]byte, error) {
	if length == 0 {
		return encodeItemsAsUpdate(nil, nil), nil
	}
	left, err := t.findPosition(index)
	if err != nil {
		return nil, err
	}
	it := t.t.Start
	if left != nil {
		it = left.Right
	}
	ds := NewDeleteSet()
	remaining := length
	for it != nil && remaining > 0 {
		if !it.Deleted && !it.GC && it.Countable() {
			if remaining < it.Len() {
				if _, err := t.doc.getItemCleanEnd(ID{Client: it.ID.Client, Clock: it.ID.Clock + remaining - 1}); err != nil {
					return nil, err
				}
			}
			it.markDeleted()
			ds.Add(it.ID.Client, it.ID.Clock, it.Len())
			remaining -= it.Len()
		}
		it = it.Right
	}
	update := encodeItemsAsUpdate(nil, ds)
	t.doc.emitUpdate(update, nil)
	return update, nil
}
