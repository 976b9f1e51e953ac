// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

// ErrInvalidDocument is returned for documents that cannot be stored.
var ErrInvalidDocument = errors.New("invalid document")

// DocumentStore keeps the latest copy of every record per company and kind.
// Each change gets a new value from a monotonically increasing sequence that
// devices use as their pull cursor.
type DocumentStore interface {
	// Put stores doc under id and returns its change sequence. Storing a
	// document identical to the current one does not create a change.
	Put(ctx context.Context, company string, kind posmodel.Kind, id string, doc json.RawMessage) (int64, error)
	// Delete tombstones id. It returns false when there was nothing to delete.
	Delete(ctx context.Context, company string, kind posmodel.Kind, id string) (bool, error)
	// Changes returns up to limit records of kind changed after the cursor.
	// Records bound to another location are left out; records without a
	// location are visible everywhere.
	Changes(ctx context.Context, company string, kind posmodel.Kind, location string, after int64, limit int) (*posapi.PullPage, error)
	// Count returns the number of live records of kind.
	Count(ctx context.Context, company string, kind posmodel.Kind) (int, error)
}

// docHeader holds the fields the backend reads from pushed documents.
type docHeader struct {
	ID          string `json:"_id"`
	CompanyRef  string `json:"companyRef"`
	LocationRef string `json:"locationRef"`
}

// inspectDocument checks that doc is a JSON object addressed to id within
// company, and returns its normalized bytes and location.
func inspectDocument(company, id string, doc json.RawMessage) (json.RawMessage, string, error) {
	var h docHeader
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if h.ID != "" && h.ID != id {
		return nil, "", fmt.Errorf("%w: _id %q does not match %q", ErrInvalidDocument, h.ID, id)
	}
	if h.CompanyRef != "" && h.CompanyRef != company {
		return nil, "", fmt.Errorf("%w: companyRef %q outside of tenant", ErrInvalidDocument, h.CompanyRef)
	}
	var compact map[string]json.RawMessage
	if err := json.Unmarshal(doc, &compact); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if compact == nil {
		return nil, "", fmt.Errorf("%w: document is null", ErrInvalidDocument)
	}
	b, err := json.Marshal(compact)
	if err != nil {
		return nil, "", fmt.Errorf("failed to normalize document: %w", err)
	}
	return b, h.LocationRef, nil
}

func visibleAt(docLocation, location string) bool {
	return location == "" || docLocation == "" || docLocation == location
}
