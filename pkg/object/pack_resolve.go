package object

import (
	"errors"
	"fmt"
)

// BaseLookup finds a delta base outside the pack being resolved. It returns
// ErrObjectNotFound when the base is unknown.
type BaseLookup func(h Hash) (Record, error)

// ResolvePackEntries turns decoded pack entries into full object records.
// OFS_DELTA bases must appear earlier in the same pack. REF_DELTA bases may
// come from the pack or, for thin packs, from lookup. Records are returned in
// pack order; bases fetched through lookup are not included.
func ResolvePackEntries(entries []PackEntry, lookup BaseLookup) ([]Record, error) {
	resolved := make([]*Record, len(entries))
	byOffset := make(map[uint64]int, len(entries))
	byHash := make(map[Hash]int, len(entries))

	pending := 0
	for i, e := range entries {
		byOffset[e.Offset] = i
		if e.Type.IsDelta() {
			pending++
			continue
		}
		objType, err := ObjectTypeOf(e.Type)
		if err != nil {
			return nil, fmt.Errorf("entry at offset %d: %w", e.Offset, err)
		}
		rec := Record{Hash: HashObject(objType, e.Data), Type: objType, Data: e.Data}
		resolved[i] = &rec
		byHash[rec.Hash] = i
	}

	external := make(map[Hash]Record)
	for pending > 0 {
		progress := false
		for i, e := range entries {
			if resolved[i] != nil {
				continue
			}
			base, ok, err := deltaBase(e, resolved, byOffset, byHash, external, lookup)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			data, err := applyDelta(base.Data, e.Data)
			if err != nil {
				return nil, fmt.Errorf("apply delta at offset %d: %w", e.Offset, err)
			}
			rec := Record{Hash: HashObject(base.Type, data), Type: base.Type, Data: data}
			resolved[i] = &rec
			byHash[rec.Hash] = i
			pending--
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("%d delta entries have unresolvable bases: %w", pending, ErrObjectNotFound)
		}
	}

	out := make([]Record, len(resolved))
	for i, rec := range resolved {
		out[i] = *rec
	}
	return out, nil
}

// deltaBase returns ok=false when the base is in the pack but not yet
// resolved, so another pass can pick it up.
func deltaBase(e PackEntry, resolved []*Record, byOffset map[uint64]int, byHash map[Hash]int, external map[Hash]Record, lookup BaseLookup) (Record, bool, error) {
	if e.Type == PackOfsDelta {
		idx, ok := byOffset[e.BaseOffset]
		if !ok {
			return Record{}, false, fmt.Errorf("ofs-delta at offset %d: no entry at base offset %d", e.Offset, e.BaseOffset)
		}
		if resolved[idx] == nil {
			return Record{}, false, nil
		}
		return *resolved[idx], true, nil
	}

	if idx, ok := byHash[e.BaseHash]; ok {
		return *resolved[idx], true, nil
	}
	if rec, ok := external[e.BaseHash]; ok {
		return rec, true, nil
	}
	if lookup == nil {
		return Record{}, false, nil
	}
	rec, err := lookup(e.BaseHash)
	if errors.Is(err, ErrObjectNotFound) {
		// may still be produced by a later delta in this pack
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ref-delta base %s: %w", e.BaseHash, err)
	}
	external[e.BaseHash] = rec
	return rec, true, nil
}
