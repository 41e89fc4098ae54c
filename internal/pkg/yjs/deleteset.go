package yjs

import "sort"

// DeleteRange marks len deleted positions starting at clock.
type DeleteRange struct {
	Clock uint64
	Len   uint64
}

// DeleteSet is the compact deletion map carried at the tail of every update.
type DeleteSet struct {
	Clients map[uint64][]DeleteRange
}

// NewDeleteSet returns an empty delete set.
func NewDeleteSet() *DeleteSet {
	return &DeleteSet{Clients: make(map[uint64][]DeleteRange)}
}

// IsEmpty reports whether the set holds no ranges.
func (ds *DeleteSet) IsEmpty() bool {
	for _, ranges := range ds.Clients {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// Add appends a range for a client.
func (ds *DeleteSet) Add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	ds.Clients[client] = append(ds.Clients[client], DeleteRange{Clock: clock, Len: length})
}

// sortAndMerge normalizes each client's ranges: ascending and coalesced.
func (ds *DeleteSet) sortAndMerge() {
	for client, ranges := range ds.Clients {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Clock < ranges[j].Clock })
		merged := ranges[:0]
		for _, r := range ranges {
			if n := len(merged); n > 0 && merged[n-1].Clock+merged[n-1].Len >= r.Clock {
				end := r.Clock + r.Len
				if prevEnd := merged[n-1].Clock + merged[n-1].Len; prevEnd > end {
					end = prevEnd
				}
				merged[n-1].Len = end - merged[n-1].Clock
				continue
			}
			merged = append(merged, r)
		}
		ds.Clients[client] = merged
	}
}

// Write encodes the delete set (clients descending, ranges ascending).
func (ds *DeleteSet) Write(e *Encoder) {
	ds.sortAndMerge()
	clients := make([]uint64, 0, len(ds.Clients))
	for client, ranges := range ds.Clients {
		if len(ranges) > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })

	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		ranges := ds.Clients[client]
		e.WriteVarUint(client)
		e.WriteVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			e.WriteVarUint(r.Clock)
			e.WriteVarUint(r.Len)
		}
	}
}

// readDeleteSet decodes a delete set.
func readDeleteSet(d *Decoder) (*DeleteSet, error) {
	ds := NewDeleteSet()
	numClients, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numClients; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		numRanges, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < numRanges; j++ {
			clock, err := d.ReadVarUint()
			if err != nil {
				return nil, err
			}
			length, err := d.ReadVarUint()
			if err != nil {
				return nil, err
			}
			ds.Add(client, clock, length)
		}
	}
	return ds, nil
}

// deleteSetFromStore derives the full deletion map from tombstoned structs.
func (y *Doc) deleteSetFromStore() *DeleteSet {
	ds := NewDeleteSet()
	for client, structs := range y.structs {
		for _, it := range structs {
			if it.Deleted || it.GC {
				ds.Add(client, it.ID.Clock, it.Len())
			}
		}
	}
	ds.sortAndMerge()
	return ds
}

// applyDeleteSet tombstones the covered structs, splitting at range
// boundaries. Ranges beyond the known state are returned for later retry.
func (y *Doc) applyDeleteSet(ds *DeleteSet) (*DeleteSet, bool) {
	unapplied := NewDeleteSet()
	changed := false
	for client, ranges := range ds.Clients {
		state := y.State(client)
		for _, r := range ranges {
			clock := r.Clock
			end := r.Clock + r.Len
			applyTo := end
			if applyTo > state {
				unapplied.Add(client, maxU64(clock, state), end-maxU64(clock, state))
				applyTo = state
			}
			for clock < applyTo {
				i := y.findIndex(client, clock)
				if i < 0 {
					break
				}
				it := y.structs[client][i]
				if !it.GC && it.ID.Clock < clock {
					split, err := y.getItemCleanStart(ID{Client: client, Clock: clock})
					if err != nil {
						break
					}
					it = split
				}
				if !it.GC && it.ID.Clock+it.Len() > applyTo {
					if _, err := y.getItemCleanEnd(ID{Client: client, Clock: applyTo - 1}); err != nil {
						break
					}
					// it now ends at applyTo
				}
				if !it.Deleted && !it.GC {
					it.markDeleted()
					changed = true
				}
				clock = it.ID.Clock + it.Len()
			}
		}
	}
	if unapplied.IsEmpty() {
		return nil, changed
	}
	return unapplied, changed
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
