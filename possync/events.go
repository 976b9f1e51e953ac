// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
)

// Event is a sync notification. The set is closed: only the types in this
// file implement it.
type Event interface {
	isEvent()
}

// PushSucceeded reports a queue entry acknowledged by the backend.
type PushSucceeded struct {
	Kind posmodel.Kind
	Ref  string
	Seq  int64
	Op   posstore.Op
}

// PushFailed reports a delivery attempt that failed. The entry stays queued.
type PushFailed struct {
	Kind          posmodel.Kind
	Ref           string
	Seq           int64
	Attempts      int
	NextAttemptAt time.Time
	Err           error
}

// DrainFinished closes one drain cycle.
type DrainFinished struct {
	Result DrainResult
	Err    error
}

// EntityPulled reports one kind reconciled from the backend.
type EntityPulled struct {
	Result EntityResult
}

// EntityPullFailed reports one kind that could not be pulled.
type EntityPullFailed struct {
	Kind posmodel.Kind
	Err  error
}

// PullFinished closes one pull cycle.
type PullFinished struct {
	Result *PullResult
}

func (PushSucceeded) isEvent()    {}
func (PushFailed) isEvent()       {}
func (DrainFinished) isEvent()    {}
func (EntityPulled) isEvent()     {}
func (EntityPullFailed) isEvent() {}
func (PullFinished) isEvent()     {}
