package models

import (
	"strings"
	"time"
)

// ResourceKey identifies a lockable resource: a whole collection when Item
// is empty, otherwise one item of that collection.
type ResourceKey struct {
	Collection string `json:"collection"`
	Item       string `json:"item,omitempty"`
}

// CollectionKey returns the key guarding a whole collection.
func CollectionKey(collection string) ResourceKey {
	return ResourceKey{Collection: collection}
}

// ItemKey returns the key guarding a single item.
func ItemKey(collection, item string) ResourceKey {
	return ResourceKey{Collection: collection, Item: item}
}

// IsCollection reports whether the key addresses a whole collection.
func (k ResourceKey) IsCollection() bool {
	return k.Item == ""
}

// String renders the key as "collection" or "collection/item".
func (k ResourceKey) String() string {
	if k.Item == "" {
		return k.Collection
	}
	return k.Collection + "/" + k.Item
}

// ParseResourceKey is the inverse of String.
func ParseResourceKey(s string) ResourceKey {
	collection, item, _ := strings.Cut(s, "/")
	return ResourceKey{Collection: collection, Item: item}
}

// LockStatus is the lock state of a resource as reported by the store.
type LockStatus struct {
	Locked    bool       `json:"locked"`
	Email     string     `json:"email,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Unlocked returns the status of a resource nobody holds.
func Unlocked() LockStatus {
	return LockStatus{}
}

// LockedBy returns a status held by email since at.
func LockedBy(email string, at time.Time) LockStatus {
	at = at.UTC()
	return LockStatus{Locked: true, Email: email, Timestamp: &at}
}

// HeldBy reports whether identity currently holds the lock.
func (s LockStatus) HeldBy(identity string) bool {
	return s.Locked && identity != "" && s.Email == identity
}

// Normalize drops holder details from an unlocked status.
func (s LockStatus) Normalize() LockStatus {
	if !s.Locked {
		return LockStatus{}
	}
	return s
}

// Since returns how long the lock has been held, zero when unlocked.
func (s LockStatus) Since(now time.Time) time.Duration {
	if !s.Locked || s.Timestamp == nil {
		return 0
	}
	return now.Sub(*s.Timestamp)
}
