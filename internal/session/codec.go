package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

func cloneItems[T Item[T]](items []T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

func decodeItems[T Item[T]](c models.Collection) ([]T, error) {
	items := make([]T, 0, len(c.Tests))
	for i, r := range c.Tests {
		var item T
		if err := r.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func encodeItems[T Item[T]](items []T) (models.Collection, error) {
	c := models.Collection{Tests: make([]models.Record, 0, len(items))}
	for _, item := range items {
		r, err := models.NewRecord(item)
		if err != nil {
			return models.Collection{}, err
		}
		c.Tests = append(c.Tests, r)
	}
	return c, nil
}

// fingerprint is a digest of the canonical encoding, used to compare
// items.
func fingerprint[T any](item T) string {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%p", &item)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func indexOf[T Item[T]](items []T, name string) int {
	for i, item := range items {
		if item.Key() == name {
			return i
		}
	}
	return -1
}

func keys[T Item[T]](items []T) []string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Key()
	}
	return names
}

// present filters order down to the names found in items.
func present[T Item[T]](order []string, items []T) []string {
	var names []string
	for _, name := range order {
		if indexOf(items, name) >= 0 {
			names = append(names, name)
		}
	}
	return names
}

// applyOrder sorts items by their position in order. Items missing from
// order keep their relative position after the ordered ones.
func applyOrder[T Item[T]](items []T, order []string) []T {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	pos := func(item T) int {
		if r, ok := rank[item.Key()]; ok {
			return r
		}
		return len(order)
	}
	slices.SortStableFunc(items, func(a, b T) int {
		return pos(a) - pos(b)
	})
	return items
}
