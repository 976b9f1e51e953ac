// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posmodel defines the point-of-sale domain types that are persisted
// locally and synchronized with the backend.
package posmodel

import "fmt"

// Kind names an entity type. The value doubles as the local table name and
// the backend collection name.
type Kind string

const (
	KindCategory Kind = "categories"
	KindProduct  Kind = "products"
	KindCustomer Kind = "customers"
	KindOrder    Kind = "orders"
	KindPrinter  Kind = "printers"
)

// SyncedKinds lists the kinds exchanged with the backend, in pull order.
// Categories come before products because products carry a denormalized
// copy of their category name.
var SyncedKinds = []Kind{KindCategory, KindProduct, KindCustomer, KindOrder}

// AllKinds lists every kind that has a local table.
var AllKinds = []Kind{KindCategory, KindProduct, KindCustomer, KindOrder, KindPrinter}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCategory, KindProduct, KindCustomer, KindOrder, KindPrinter:
		return true
	default:
		return false
	}
}

// Synced reports whether k is pushed to and pulled from the backend.
// Printers are bound to the device and never leave it.
func (k Kind) Synced() bool {
	switch k {
	case KindCategory, KindProduct, KindCustomer, KindOrder:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a collection name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}
