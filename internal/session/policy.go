package session

import "github.com/guardian/support-admin-console-sub001/internal/models"

// Item is an editable entry of a collection.
type Item[T any] interface {
	Key() string
	Clone() T
	Renamed(name string) T
	Drafted() T
}

// LockingPolicy decides which resource guards an edit.
type LockingPolicy struct {
	name    string
	perItem bool
}

// ListPolicy guards the whole collection with one lock.
func ListPolicy() LockingPolicy {
	return LockingPolicy{name: "list"}
}

// ItemPolicy gives every item its own lock. Ordering still needs the
// collection lock.
func ItemPolicy() LockingPolicy {
	return LockingPolicy{name: "item", perItem: true}
}

// ParsePolicy returns the policy called name ("list" or "item").
func ParsePolicy(name string) (LockingPolicy, bool) {
	switch name {
	case "list":
		return ListPolicy(), true
	case "item":
		return ItemPolicy(), true
	}
	return LockingPolicy{}, false
}

func (p LockingPolicy) String() string {
	return p.name
}

// PerItem reports whether items are locked individually.
func (p LockingPolicy) PerItem() bool {
	return p.perItem
}

// Resource returns the key guarding edits of the named item. An empty name
// always means the collection.
func (p LockingPolicy) Resource(collection, name string) models.ResourceKey {
	if p.perItem && name != "" {
		return models.ItemKey(collection, name)
	}
	return models.CollectionKey(collection)
}
