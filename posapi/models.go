// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posapi holds the wire models of the sync backend and an HTTP
// client for it.
package posapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models shared by the device client and the reference backend.

// Scope narrows a pull to one company and, optionally, one location.
// The company is taken from the bearer token; it is carried here for logging.
type Scope struct {
	CompanyRef  string
	LocationRef string
}

// PullItem is one record in a pull page
type PullItem struct {
	ID      string          `json:"_id"`
	Seq     int64           `json:"seq"`               // Server change sequence
	Deleted bool            `json:"deleted,omitempty"` // Tombstone
	Doc     json.RawMessage `json:"doc,omitempty"`     // Full document (absent for tombstones)
}

// PullPage is the server response to a pull request
type PullPage struct {
	Items     []PullItem `json:"items"`
	NextAfter int64      `json:"next_after"` // Cursor to send as after= for the next page
	HasMore   bool       `json:"has_more"`
}

// BackupURLRequest asks for a short-lived upload URL for a database backup
type BackupURLRequest struct {
	Device string `json:"device"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// UploadURLResponse carries the pre-signed upload target
type UploadURLResponse struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignInRequest is the body of the development sign-in endpoint
type SignInRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
	Company  string `json:"company"`
}

// SignInResponse returns a bearer token for the device
type SignInResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
	Company   string `json:"company"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status string   `json:"status"`
	Kinds  []string `json:"kinds"`
}

// StatusError is returned when the backend answers with an unexpected
// HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}
