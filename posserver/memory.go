// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

type memKey struct {
	company string
	kind    posmodel.Kind
	id      string
}

type memDoc struct {
	seq      int64
	deleted  bool
	location string
	body     json.RawMessage
}

// MemoryStore is a DocumentStore kept in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	docs map[memKey]*memDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[memKey]*memDoc)}
}

func (m *MemoryStore) Put(_ context.Context, company string, kind posmodel.Kind, id string, doc json.RawMessage) (int64, error) {
	body, location, err := inspectDocument(company, id, doc)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{company, kind, id}
	if cur, ok := m.docs[key]; ok && !cur.deleted && bytes.Equal(cur.body, body) {
		return cur.seq, nil
	}
	m.seq++
	m.docs[key] = &memDoc{seq: m.seq, location: location, body: body}
	return m.seq, nil
}

func (m *MemoryStore) Delete(_ context.Context, company string, kind posmodel.Kind, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[memKey{company, kind, id}]
	if !ok || cur.deleted {
		return false, nil
	}
	m.seq++
	cur.seq = m.seq
	cur.deleted = true
	cur.body = nil
	return true, nil
}

func (m *MemoryStore) Changes(_ context.Context, company string, kind posmodel.Kind, location string, after int64, limit int) (*posapi.PullPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []posapi.PullItem
	for k, d := range m.docs {
		if k.company != company || k.kind != kind || d.seq <= after || !visibleAt(d.location, location) {
			continue
		}
		items = append(items, posapi.PullItem{ID: k.id, Seq: d.seq, Deleted: d.deleted, Doc: d.body})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return pageOf(items, after, limit), nil
}

func (m *MemoryStore) Count(_ context.Context, company string, kind posmodel.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, d := range m.docs {
		if k.company == company && k.kind == kind && !d.deleted {
			n++
		}
	}
	return n, nil
}

// pageOf cuts a seq-ordered change list to limit items.
func pageOf(items []posapi.PullItem, after int64, limit int) *posapi.PullPage {
	page := &posapi.PullPage{Items: []posapi.PullItem{}, NextAfter: after}
	if len(items) > limit {
		items = items[:limit]
		page.HasMore = true
	}
	if len(items) > 0 {
		page.Items = items
		page.NextAfter = items[len(items)-1].Seq
	}
	return page
}
