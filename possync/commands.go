// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
)

// Command is an instruction to the engine. The set is closed: only the
// types in this file implement it.
type Command interface {
	isCommand()
}

// EnqueueMutation records that a synced record changed locally.
type EnqueueMutation struct {
	Kind posmodel.Kind
	Ref  string
	Op   posstore.Op
}

// DrainNow asks for an immediate queue drain.
type DrainNow struct {
	Reason string
}

// PullNow asks for a pull of every synced kind.
type PullNow struct {
	Trigger Trigger
}

// ConnectivityChanged reports the network going up or down. Coming back
// online drains the queue.
type ConnectivityChanged struct {
	Online bool
}

// RemoteChanged is the push-notification signal that the backend has new
// data. An empty Kinds means every synced kind.
type RemoteChanged struct {
	Kinds []posmodel.Kind
}

func (EnqueueMutation) isCommand()     {}
func (DrainNow) isCommand()            {}
func (PullNow) isCommand()             {}
func (ConnectivityChanged) isCommand() {}
func (RemoteChanged) isCommand()       {}
