package models

import (
	"fmt"
	"slices"
)

// TestStatus is the publication state of a test.
type TestStatus string

const (
	StatusLive     TestStatus = "Live"
	StatusDraft    TestStatus = "Draft"
	StatusArchived TestStatus = "Archived"
)

// ParseTestStatus validates a status coming from the wire.
func ParseTestStatus(s string) (TestStatus, error) {
	switch TestStatus(s) {
	case StatusLive, StatusDraft, StatusArchived:
		return TestStatus(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Variant is one arm of a test.
type Variant struct {
	Name    string `json:"name"`
	Heading string `json:"heading,omitempty"`
	Body    string `json:"body,omitempty"`
	CTA     string `json:"cta,omitempty"`
}

// Test is an editable entry of a tests collection (banner, epic, header...).
type Test struct {
	Name       string     `json:"name"`
	Nickname   string     `json:"nickname,omitempty"`
	Status     TestStatus `json:"status"`
	Channel    string     `json:"channel,omitempty"`
	UserCohort string     `json:"userCohort,omitempty"`
	Variants   []Variant  `json:"variants"`
}

// Key returns the identity of the test within its collection.
func (t Test) Key() string {
	return t.Name
}

// Clone returns a deep copy of the test.
func (t Test) Clone() Test {
	c := t
	c.Variants = slices.Clone(t.Variants)
	return c
}

// Renamed returns a deep copy of the test under a new name.
func (t Test) Renamed(name string) Test {
	c := t
	c.Name = name
	c.Nickname = ""
	c.Variants = slices.Clone(t.Variants)
	return c
}

// Drafted returns a copy of the test switched off.
func (t Test) Drafted() Test {
	c := t
	c.Status = StatusDraft
	c.Variants = slices.Clone(t.Variants)
	return c
}
