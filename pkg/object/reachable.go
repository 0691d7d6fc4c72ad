package object

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned by readers when a hash is unknown.
var ErrObjectNotFound = errors.New("object not found")

// Reader loads serialized objects by hash.
type Reader interface {
	ReadObject(ctx context.Context, h Hash) (Record, error)
}

// ReachableSet returns all object hashes reachable from roots by following
// object references. Roots and children the reader does not know are
// skipped, which is what negotiation wants for client-supplied haves.
func ReachableSet(ctx context.Context, r Reader, roots []Hash) (map[Hash]struct{}, error) {
	out := make(map[Hash]struct{})
	_, err := walk(ctx, r, roots, out, false)
	return out, err
}

// CollectObjects returns the records reachable from wants that are not
// reachable from haves, in discovery order (commits before their trees,
// trees before their entries). Every want must exist.
func CollectObjects(ctx context.Context, r Reader, wants, haves []Hash) ([]Record, error) {
	seen, err := ReachableSet(ctx, r, haves)
	if err != nil {
		return nil, err
	}
	return walk(ctx, r, wants, seen, true)
}

func walk(ctx context.Context, r Reader, roots []Hash, seen map[Hash]struct{}, strict bool) ([]Record, error) {
	var out []Record
	stack := make([]Hash, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.IsZero() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}

		rec, err := r.ReadObject(ctx, h)
		if errors.Is(err, ErrObjectNotFound) && !strict {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reachable read %s: %w", h, err)
		}
		seen[h] = struct{}{}
		if strict {
			out = append(out, rec)
		}

		refs, err := referencedHashes(rec.Type, rec.Data)
		if err != nil {
			return nil, fmt.Errorf("reachable parse %s (%s): %w", h, rec.Type, err)
		}
		for i := len(refs) - 1; i >= 0; i-- {
			stack = append(stack, refs[i])
		}
	}
	return out, nil
}

func referencedHashes(objType ObjectType, data []byte) ([]Hash, error) {
	switch objType {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		target, err := tagTarget(data)
		if err != nil {
			return nil, err
		}
		return []Hash{target}, nil
	case TypeCommit:
		c, err := UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		out := make([]Hash, 0, len(c.ParentIDs)+1)
		out = append(out, c.TreeID)
		return append(out, c.ParentIDs...), nil
	case TypeTree:
		t, err := UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		out := make([]Hash, 0, len(t.Items))
		for _, item := range t.Items {
			// Submodule commits live in another repository.
			if item.Mode == ModeCommit {
				continue
			}
			out = append(out, item.ID)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", objType)
	}
}

func tagTarget(data []byte) (Hash, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if val, ok := strings.CutPrefix(line, "object "); ok {
			return ParseHash(val)
		}
	}
	return "", fmt.Errorf("tag without object header")
}
