// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posmodel

import "time"

// Source is the provenance marker of a row.
type Source string

const (
	// SourceLocal marks a row authored on this device and not yet acknowledged.
	SourceLocal Source = "local"
	// SourceServer marks a row confirmed by (or fetched from) the backend.
	SourceServer Source = "server"
)

// Valid reports whether s is a known provenance value.
func (s Source) Valid() bool { return s == SourceLocal || s == SourceServer }

// LocalizedName is a bilingual label.
type LocalizedName struct {
	En string `json:"en"`
	Ar string `json:"ar,omitempty"`
}

// NameRef is a denormalized copy of a referenced record's name.
type NameRef struct {
	Name string `json:"name"`
}

// Meta holds the columns shared by every entity table.
type Meta struct {
	ID          string    `json:"_id"`
	CompanyRef  string    `json:"companyRef"`
	LocationRef string    `json:"locationRef,omitempty"`
	Company     NameRef   `json:"company"`
	Location    NameRef   `json:"location"`
	Source      Source    `json:"source"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Base returns m itself so that every entity embedding Meta satisfies Entity.
func (m *Meta) Base() *Meta { return m }

// Entity is implemented by pointers to all domain types.
type Entity interface {
	Kind() Kind
	Base() *Meta
}

// Now returns the current time in the precision used for stored timestamps.
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalizes t to UTC millisecond precision, the resolution of
// stored timestamps.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
