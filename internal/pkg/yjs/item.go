package yjs

// ID addresses one sequence position produced by one client.
type ID struct {
	Client uint64
	Clock  uint64
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Client == b.Client && a.Clock == b.Clock
}

// Type is a shared type instance: a sequence (Start chain) plus a key map.
// Root types are registered on the Doc by name; nested types hang off a
// ContentType item.
type Type struct {
	Start *Item
	Map   map[string]*Item
	item  *Item  // the item that carries this type; nil for roots
	root  string // registered root name; "" for nested types
}

func newType() *Type { return &Type{Map: make(map[string]*Item)} }

// Item is one integrated (or decoded, pre-integration) Yjs struct.
type Item struct {
	ID          ID
	Origin      *ID
	RightOrigin *ID
	Left        *Item
	Right       *Item

	// Parent resolution state. Exactly one of Parent / ParentID / ParentName
	// is meaningful before integration; Parent afterwards.
	Parent     *Type
	ParentID   *ID
	ParentName string
	hasParent  bool
	ParentSub  string

	Content Content
	Deleted bool

	// GC marks a struct whose content was garbage collected before it reached
	// us; only its length survives.
	GC    bool
	GCLen uint64
}

// Len returns the sequence length this struct occupies.
func (it *Item) Len() uint64 {
	if it.GC {
		return it.GCLen
	}
	return it.Content.Len()
}

// LastID is the ID of the last position covered by this struct.
func (it *Item) LastID() ID {
	return ID{Client: it.ID.Client, Clock: it.ID.Clock + it.Len() - 1}
}

// Countable reports whether this struct occupies index positions.
func (it *Item) Countable() bool {
	return !it.GC && it.Content.Countable()
}

func (it *Item) markDeleted() { it.Deleted = true }

// splitItem splits it at the given sequence offset (0 < diff < it.Len()),
// returning the right half. Caller inserts the right half into the store.
func splitItem(it *Item, diff uint64) *Item {
	rightContent := it.Content.Splice(diff)
	origin := ID{Client: it.ID.Client, Clock: it.ID.Clock + diff - 1}
	right := &Item{
		ID:          ID{Client: it.ID.Client, Clock: it.ID.Clock + diff},
		Origin:      &origin,
		RightOrigin: it.RightOrigin,
		Left:        it,
		Right:       it.Right,
		Parent:      it.Parent,
		ParentSub:   it.ParentSub,
		Content:     rightContent,
		Deleted:     it.Deleted,
	}
	it.Right = right
	if right.Right != nil {
		right.Right.Left = right
	}
	return right
}

// write encodes the struct in update v1 format. offset skips the first
// sequence positions (used by state-vector diffs).
func (it *Item) write(e *Encoder, offset uint64) {
	if it.GC {
		e.WriteUint8(refGC)
		e.WriteVarUint(it.GCLen - offset)
		return
	}

	origin := it.Origin
	if offset > 0 {
		o := ID{Client: it.ID.Client, Clock: it.ID.Clock + offset - 1}
		origin = &o
	}
	info := it.Content.Ref() & 0x1f
	if origin != nil {
		info |= 0x80
	}
	if it.RightOrigin != nil {
		info |= 0x40
	}
	if it.ParentSub != "" {
		info |= 0x20
	}
	e.WriteUint8(info)
	if origin != nil {
		e.WriteVarUint(origin.Client)
		e.WriteVarUint(origin.Clock)
	}
	if it.RightOrigin != nil {
		e.WriteVarUint(it.RightOrigin.Client)
		e.WriteVarUint(it.RightOrigin.Clock)
	}
	if origin == nil && it.RightOrigin == nil {
		switch {
		case it.Parent != nil && it.Parent.item != nil:
			e.WriteVarUint(0)
			e.WriteVarUint(it.Parent.item.ID.Client)
			e.WriteVarUint(it.Parent.item.ID.Clock)
		case it.Parent != nil:
			e.WriteVarUint(1)
			e.WriteVarString(it.Parent.root)
		case it.ParentName != "":
			e.WriteVarUint(1)
			e.WriteVarString(it.ParentName)
		case it.ParentID != nil:
			e.WriteVarUint(0)
			e.WriteVarUint(it.ParentID.Client)
			e.WriteVarUint(it.ParentID.Clock)
		}
		if it.ParentSub != "" {
			e.WriteVarString(it.ParentSub)
		}
	}
	it.Content.Write(e, offset)
}
