package yjs

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// UpdateHandler observes applied updates. update holds the encoded update
// bytes, origin is the value passed to ApplyUpdate (e.g. the source socket).
type UpdateHandler func(update []byte, origin any)

// Doc is a Yjs-compatible document: a struct store per client plus named
// root types. All methods must be called with external synchronization; the
// relay confines each Doc to its DocEntry lock.
type Doc struct {
	ClientID uint64

	structs  map[uint64][]*Item
	roots    map[string]*Type
	pending  *pendingUpdate
	handlers []UpdateHandler

	mu sync.Mutex // guards handlers registration only
}

type pendingUpdate struct {
	structs map[uint64][]*Item
	ds      *DeleteSet
}

// NewDoc creates an empty document with a random client id.
func NewDoc() *Doc {
	return &Doc{
		ClientID: uint64(rand.Int63n(1 << 53)),
		structs:  make(map[uint64][]*Item),
		roots:    make(map[string]*Type),
	}
}

// OnUpdate registers a handler invoked after each applied update.
func (y *Doc) OnUpdate(h UpdateHandler) {
	y.mu.Lock()
	y.handlers = append(y.handlers, h)
	y.mu.Unlock()
}

func (y *Doc) emitUpdate(update []byte, origin any) {
	y.mu.Lock()
	hs := append([]UpdateHandler(nil), y.handlers...)
	y.mu.Unlock()
	for _, h := range hs {
		h(update, origin)
	}
}

// State returns the next expected clock for a client.
func (y *Doc) State(client uint64) uint64 {
	ss := y.structs[client]
	if len(ss) == 0 {
		return 0
	}
	last := ss[len(ss)-1]
	return last.ID.Clock + last.Len()
}

// StateVector returns the clock frontier across all clients.
func (y *Doc) StateVector() map[uint64]uint64 {
	sv := make(map[uint64]uint64, len(y.structs))
	for client := range y.structs {
		if s := y.State(client); s > 0 {
			sv[client] = s
		}
	}
	return sv
}

// GetRoot returns the named root type, creating it on first use.
func (y *Doc) GetRoot(name string) *Type {
	if t, ok := y.roots[name]; ok {
		return t
	}
	t := newType()
	t.root = name
	y.roots[name] = t
	return t
}

// findIndex locates the struct containing clock via binary search.
// Returns -1 when the clock is outside the stored range.
func (y *Doc) findIndex(client, clock uint64) int {
	ss := y.structs[client]
	if len(ss) == 0 {
		return -1
	}
	i := sort.Search(len(ss), func(i int) bool {
		return ss[i].ID.Clock+ss[i].Len() > clock
	})
	if i == len(ss) || ss[i].ID.Clock > clock {
		return -1
	}
	return i
}

// getItem returns the struct containing id, or nil.
func (y *Doc) getItem(id ID) *Item {
	i := y.findIndex(id.Client, id.Clock)
	if i < 0 {
		return nil
	}
	return y.structs[id.Client][i]
}

// getItemCleanStart returns the struct starting exactly at id, splitting the
// containing struct when necessary.
func (y *Doc) getItemCleanStart(id ID) (*Item, error) {
	i := y.findIndex(id.Client, id.Clock)
	if i < 0 {
		return nil, fmt.Errorf("yjs: struct %d:%d not found", id.Client, id.Clock)
	}
	it := y.structs[id.Client][i]
	if it.ID.Clock == id.Clock {
		return it, nil
	}
	if it.GC {
		return nil, fmt.Errorf("yjs: cannot split gc struct %d:%d", id.Client, id.Clock)
	}
	right := splitItem(it, id.Clock-it.ID.Clock)
	y.insertAfter(id.Client, i, right)
	return right, nil
}

// getItemCleanEnd returns the struct ending exactly at id, splitting when
// necessary.
func (y *Doc) getItemCleanEnd(id ID) (*Item, error) {
	i := y.findIndex(id.Client, id.Clock)
	if i < 0 {
		return nil, fmt.Errorf("yjs: struct %d:%d not found", id.Client, id.Clock)
	}
	it := y.structs[id.Client][i]
	if it.ID.Clock+it.Len()-1 == id.Clock {
		return it, nil
	}
	if it.GC {
		return nil, fmt.Errorf("yjs: cannot split gc struct %d:%d", id.Client, id.Clock)
	}
	right := splitItem(it, id.Clock-it.ID.Clock+1)
	y.insertAfter(id.Client, i, right)
	return it, nil
}

func (y *Doc) insertAfter(client uint64, i int, right *Item) {
	ss := y.structs[client]
	ss = append(ss, nil)
	copy(ss[i+2:], ss[i+1:])
	ss[i+1] = right
	y.structs[client] = ss
}

// addStruct appends a struct to the store. Integration order guarantees the
// clock equals the current state.
func (y *Doc) addStruct(it *Item) {
	y.structs[it.ID.Client] = append(y.structs[it.ID.Client], it)
}

// getMissing reports the client whose structs must arrive before it can
// integrate, following the reference dependency rules.
func (y *Doc) getMissing(it *Item) (uint64, bool) {
	if it.Origin != nil && it.Origin.Client != it.ID.Client && it.Origin.Clock >= y.State(it.Origin.Client) {
		return it.Origin.Client, true
	}
	if it.RightOrigin != nil && it.RightOrigin.Client != it.ID.Client && it.RightOrigin.Clock >= y.State(it.RightOrigin.Client) {
		return it.RightOrigin.Client, true
	}
	if it.ParentID != nil && it.ParentID.Client != it.ID.Client && it.ParentID.Clock >= y.State(it.ParentID.Client) {
		return it.ParentID.Client, true
	}
	return 0, false
}

// resolveNeighbors turns encoded origin/parent references into live pointers.
func (y *Doc) resolveNeighbors(it *Item) error {
	if it.Origin != nil {
		left, err := y.getItemCleanEnd(*it.Origin)
		if err != nil {
			return err
		}
		it.Left = left
		last := left.LastID()
		it.Origin = &last
	}
	if it.RightOrigin != nil {
		right, err := y.getItemCleanStart(*it.RightOrigin)
		if err != nil {
			return err
		}
		it.Right = right
		it.RightOrigin = &right.ID
	}
	if (it.Left != nil && it.Left.GC) || (it.Right != nil && it.Right.GC) {
		it.Parent = nil
		it.ParentName = ""
		it.ParentID = nil
		it.hasParent = false
	}
	switch {
	case !it.hasParent:
		if it.Left != nil && !it.Left.GC {
			it.Parent = it.Left.Parent
			it.ParentSub = it.Left.ParentSub
		} else if it.Right != nil && !it.Right.GC {
			it.Parent = it.Right.Parent
			it.ParentSub = it.Right.ParentSub
		}
	case it.ParentName != "":
		it.Parent = y.GetRoot(it.ParentName)
		it.ParentName = ""
	case it.ParentID != nil:
		parentItem := y.getItem(*it.ParentID)
		if parentItem == nil || parentItem.GC {
			it.Parent = nil
		} else if ct, ok := parentItem.Content.(*ContentType); ok {
			it.Parent = ct.Type
		} else {
			it.Parent = nil
		}
		it.ParentID = nil
	}
	return nil
}

// integrate places it into the document. offset skips already-integrated
// leading positions (duplicate delivery).
func (y *Doc) integrate(it *Item, offset uint64) error {
	if offset > 0 {
		it.ID.Clock += offset
		left, err := y.getItemCleanEnd(ID{Client: it.ID.Client, Clock: it.ID.Clock - 1})
		if err != nil {
			return err
		}
		it.Left = left
		last := left.LastID()
		it.Origin = &last
		it.Content = it.Content.Splice(offset)
	}

	if it.Parent == nil {
		// No surviving parent: keep the struct as a tombstone so clocks stay
		// contiguous, exactly like a GC struct.
		it.GC = true
		it.GCLen = it.Content.Len()
		it.Deleted = true
		y.addStruct(it)
		return nil
	}

	parent := it.Parent
	if (it.Left == nil && (it.Right == nil || it.Right.Left != nil)) ||
		(it.Left != nil && it.Left.Right != it.Right) {
		left := it.Left

		var o *Item
		if left != nil {
			o = left.Right
		} else if it.ParentSub != "" {
			o = parent.Map[it.ParentSub]
			for o != nil && o.Left != nil {
				o = o.Left
			}
		} else {
			o = parent.Start
		}

		conflicting := make(map[*Item]struct{})
		beforeOrigin := make(map[*Item]struct{})
		for o != nil && o != it.Right {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if sameID(it.Origin, o.Origin) {
				if o.ID.Client < it.ID.Client {
					left = o
					conflicting = make(map[*Item]struct{})
				} else if sameID(it.RightOrigin, o.RightOrigin) {
					break
				}
			} else if o.Origin != nil {
				oOriginItem := y.getItem(*o.Origin)
				if oOriginItem == nil {
					break
				}
				if _, ok := beforeOrigin[oOriginItem]; ok {
					if _, ok := conflicting[oOriginItem]; !ok {
						left = o
						conflicting = make(map[*Item]struct{})
					}
				} else {
					break
				}
			} else {
				break
			}
			o = o.Right
		}
		it.Left = left
	}

	if it.Left != nil {
		it.Right = it.Left.Right
		it.Left.Right = it
	} else {
		var r *Item
		if it.ParentSub != "" {
			r = parent.Map[it.ParentSub]
			for r != nil && r.Left != nil {
				r = r.Left
			}
		} else {
			r = parent.Start
			parent.Start = it
		}
		it.Right = r
	}
	if it.Right != nil {
		it.Right.Left = it
	} else if it.ParentSub != "" {
		parent.Map[it.ParentSub] = it
		if it.Left != nil {
			it.Left.markDeleted()
		}
	}

	y.addStruct(it)

	switch c := it.Content.(type) {
	case *ContentDeleted:
		it.Deleted = true
	case *ContentType:
		c.Type.item = it
	}
	return nil
}
