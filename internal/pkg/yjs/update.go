package yjs

import (
	"fmt"
	"sort"
)

// readClientStructs decodes the struct section of an update into per-client
// slices ordered by clock. Skip structs are dropped; the resulting clock gaps
// keep later structs pending until the missing range arrives.
func readClientStructs(d *Decoder) (map[uint64][]*Item, error) {
	numClients, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]*Item, numClients)
	for i := uint64(0); i < numClients; i++ {
		numStructs, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < numStructs; j++ {
			info, err := d.ReadUint8()
			if err != nil {
				return nil, err
			}
			ref := info & 0x1f
			switch ref {
			case refGC:
				length, err := d.ReadVarUint()
				if err != nil {
					return nil, err
				}
				out[client] = append(out[client], &Item{
					ID:    ID{Client: client, Clock: clock},
					GC:    true,
					GCLen: length,
				})
				clock += length
			case refSkip:
				length, err := d.ReadVarUint()
				if err != nil {
					return nil, err
				}
				clock += length
			default:
				it := &Item{ID: ID{Client: client, Clock: clock}}
				if info&0x80 != 0 {
					c, err := d.ReadVarUint()
					if err != nil {
						return nil, err
					}
					k, err := d.ReadVarUint()
					if err != nil {
						return nil, err
					}
					it.Origin = &ID{Client: c, Clock: k}
				}
				if info&0x40 != 0 {
					c, err := d.ReadVarUint()
					if err != nil {
						return nil, err
					}
					k, err := d.ReadVarUint()
					if err != nil {
						return nil, err
					}
					it.RightOrigin = &ID{Client: c, Clock: k}
				}
				if it.Origin == nil && it.RightOrigin == nil {
					it.hasParent = true
					parentInfo, err := d.ReadVarUint()
					if err != nil {
						return nil, err
					}
					if parentInfo == 1 {
						name, err := d.ReadVarString()
						if err != nil {
							return nil, err
						}
						it.ParentName = name
					} else {
						c, err := d.ReadVarUint()
						if err != nil {
							return nil, err
						}
						k, err := d.ReadVarUint()
						if err != nil {
							return nil, err
						}
						it.ParentID = &ID{Client: c, Clock: k}
					}
					if info&0x20 != 0 {
						sub, err := d.ReadVarString()
						if err != nil {
							return nil, err
						}
						it.ParentSub = sub
					}
				}
				content, err := readContent(d, ref)
				if err != nil {
					return nil, err
				}
				it.Content = content
				out[client] = append(out[client], it)
				clock += it.Len()
			}
		}
	}
	return out, nil
}

// ApplyUpdate decodes and integrates an update (v1 encoding). Structs whose
// dependencies are missing are retained and retried on subsequent updates.
// origin is forwarded to update handlers.
func (y *Doc) ApplyUpdate(update []byte, origin any) error {
	d := NewDecoder(update)
	incoming, err := readClientStructs(d)
	if err != nil {
		return fmt.Errorf("yjs: decode update: %w", err)
	}
	ds, err := readDeleteSet(d)
	if err != nil {
		return fmt.Errorf("yjs: decode delete set: %w", err)
	}

	// Merge previously pending structs so they get another integration pass.
	if y.pending != nil {
		for client, structs := range y.pending.structs {
			incoming[client] = append(incoming[client], structs...)
		}
		if y.pending.ds != nil {
			for client, ranges := range y.pending.ds.Clients {
				for _, r := range ranges {
					ds.Add(client, r.Clock, r.Len)
				}
			}
		}
		y.pending = nil
	}
	for client := range incoming {
		structs := incoming[client]
		sort.SliceStable(structs, func(i, j int) bool { return structs[i].ID.Clock < structs[j].ID.Clock })
		incoming[client] = structs
	}

	changed := false
	progress := true
	for progress {
		progress = false
		for client, structs := range incoming {
			rest := structs[:0]
			blocked := false
			for _, it := range structs {
				if blocked {
					rest = append(rest, it)
					continue
				}
				state := y.State(client)
				if it.ID.Clock > state {
					// gap before this struct; same-client dependency missing
					blocked = true
					rest = append(rest, it)
					continue
				}
				offset := state - it.ID.Clock
				if offset >= it.Len() {
					continue // fully known already
				}
				if _, missing := y.getMissing(it); missing {
					blocked = true
					rest = append(rest, it)
					continue
				}
				if !it.GC {
					if err := y.resolveNeighbors(it); err != nil {
						blocked = true
						rest = append(rest, it)
						continue
					}
				} else if offset > 0 {
					it.ID.Clock += offset
					it.GCLen -= offset
					offset = 0
				}
				if it.GC {
					y.addStruct(it)
				} else if err := y.integrate(it, offset); err != nil {
					return fmt.Errorf("yjs: integrate %d:%d: %w", it.ID.Client, it.ID.Clock, err)
				}
				changed = true
				progress = true
			}
			incoming[client] = rest
		}
	}

	remaining := make(map[uint64][]*Item)
	for client, structs := range incoming {
		if len(structs) > 0 {
			remaining[client] = structs
		}
	}

	unapplied, dsChanged := y.applyDeleteSet(ds)
	changed = changed || dsChanged

	if len(remaining) > 0 || unapplied != nil {
		y.pending = &pendingUpdate{structs: remaining, ds: unapplied}
	}

	if changed {
		y.emitUpdate(update, origin)
	}
	return nil
}

// HasPending reports whether structs are waiting on missing dependencies.
func (y *Doc) HasPending() bool { return y.pending != nil }

// EncodeStateVector encodes the clock frontier in the y-protocols format.
func (y *Doc) EncodeStateVector() []byte {
	sv := y.StateVector()
	return EncodeStateVector(sv)
}

// EncodeStateVector encodes an arbitrary state vector map.
func EncodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })
	e := NewEncoder()
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		e.WriteVarUint(client)
		e.WriteVarUint(sv[client])
	}
	return e.Bytes()
}

// DecodeStateVector parses an encoded state vector.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	d := NewDecoder(data)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

// EncodeStateAsUpdate encodes every struct newer than the remote state vector
// plus the full delete set. Pass nil to encode the complete document.
func (y *Doc) EncodeStateAsUpdate(remoteSV map[uint64]uint64) []byte {
	type clientDiff struct {
		client uint64
		clock  uint64 // first clock to encode
		index  int    // first struct index
	}
	diffs := make([]clientDiff, 0, len(y.structs))
	for client, structs := range y.structs {
		if len(structs) == 0 {
			continue
		}
		from := remoteSV[client]
		if y.State(client) <= from {
			continue
		}
		i := sort.Search(len(structs), func(i int) bool {
			return structs[i].ID.Clock+structs[i].Len() > from
		})
		clock := from
		if structs[i].ID.Clock > from {
			clock = structs[i].ID.Clock
		}
		diffs = append(diffs, clientDiff{client: client, clock: clock, index: i})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].client > diffs[j].client })

	e := NewEncoder()
	e.WriteVarUint(uint64(len(diffs)))
	for _, diff := range diffs {
		structs := y.structs[diff.client]
		e.WriteVarUint(uint64(len(structs) - diff.index))
		e.WriteVarUint(diff.client)
		e.WriteVarUint(diff.clock)
		first := structs[diff.index]
		first.write(e, diff.clock-first.ID.Clock)
		for _, it := range structs[diff.index+1:] {
			it.write(e, 0)
		}
	}
	y.deleteSetFromStore().Write(e)
	return e.Bytes()
}

// encodeItemsAsUpdate encodes freshly integrated local items (one client) and
// an optional delete set as a standalone update.
func encodeItemsAsUpdate(items []*Item, ds *DeleteSet) []byte {
	e := NewEncoder()
	if len(items) == 0 {
		e.WriteVarUint(0)
	} else {
		e.WriteVarUint(1)
		e.WriteVarUint(uint64(len(items)))
		e.WriteVarUint(items[0].ID.Client)
		e.WriteVarUint(items[0].ID.Clock)
		for _, it := range items {
			it.write(e, 0)
		}
	}
	if ds == nil {
		ds = NewDeleteSet()
	}
	ds.Write(e)
	return e.Bytes()
}
