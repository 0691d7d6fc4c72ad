package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/protocol"
)

// ObjectStore is the local side of a fetch or push.
type ObjectStore interface {
	object.Reader
	HasObject(ctx context.Context, h object.Hash) (bool, error)
	SaveObjects(ctx context.Context, recs []object.Record) error
}

// FetchInto fetches everything reachable from wants into store and returns
// the number of objects received. haves are local commits the server may
// use to trim the pack. The object graph under wants is checked to be
// complete before returning.
func FetchInto(ctx context.Context, c *Client, store ObjectStore, wants, haves []object.Hash) (int, error) {
	roots := uniqueHashes(wants)
	if len(roots) == 0 {
		return 0, fmt.Errorf("at least one want hash is required")
	}

	var missing []object.Hash
	for _, h := range roots {
		has, err := store.HasObject(ctx, h)
		if err != nil {
			return 0, err
		}
		if !has {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	records, err := c.Fetch(ctx, missing, uniqueHashes(haves))
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if computed := object.HashObject(rec.Type, rec.Data); computed != rec.Hash {
			return 0, fmt.Errorf("object hash mismatch: expected %s, got %s", rec.Hash, computed)
		}
	}
	if err := store.SaveObjects(ctx, records); err != nil {
		return 0, err
	}

	if _, err := object.CollectObjects(ctx, store, roots, nil); err != nil {
		return len(records), fmt.Errorf("incomplete fetch: %w", err)
	}
	return len(records), nil
}

// PushRefs pushes updates together with every object reachable from their
// new ids that is not reachable from the server's current refs. Updates
// with an empty Old take the server's current value.
func PushRefs(ctx context.Context, c *Client, store object.Reader, updates []RefUpdate) (*PushResult, error) {
	adv, err := c.advertisement(ctx, protocol.ReceivePack)
	if err != nil {
		return nil, err
	}

	var roots, stops []object.Hash
	for i, u := range updates {
		if u.Old == "" {
			updates[i].Old = adv.Refs[u.Name]
		}
		if !u.New.IsZero() {
			roots = append(roots, u.New)
		}
	}
	for _, h := range adv.Refs {
		stops = append(stops, h)
	}

	var records []object.Record
	if len(roots) > 0 {
		records, err = object.CollectObjects(ctx, store, uniqueHashes(roots), uniqueHashes(stops))
		if err != nil {
			return nil, fmt.Errorf("collect objects for push: %w", err)
		}
	}
	return c.Push(ctx, updates, records)
}

func uniqueHashes(in []object.Hash) []object.Hash {
	seen := make(map[object.Hash]struct{}, len(in))
	out := make([]object.Hash, 0, len(in))
	for _, h := range in {
		h = object.Hash(strings.TrimSpace(string(h)))
		if h.IsZero() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
