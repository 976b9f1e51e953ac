// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mobiletoly/go-possync/posmodel"
)

// Client talks to the sync backend over HTTP.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets a client
// with a 30 second timeout.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{BaseURL: baseURL, Token: tok, HTTP: httpClient}
}

// StaticToken returns a token func that always yields token.
func StaticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

// Fetch returns one page of records of kind changed after the given cursor.
func (c *Client) Fetch(ctx context.Context, kind posmodel.Kind, scope Scope, after int64, limit int) (*PullPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))
	if scope.LocationRef != "" {
		q.Set("location", scope.LocationRef)
	}
	endpoint := fmt.Sprintf("%s/v1/sync/%s?%s", c.BaseURL, url.PathEscape(string(kind)), q.Encode())

	var page PullPage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", kind, err)
	}
	return &page, nil
}

// Push stores doc as the server copy of record id.
func (c *Client) Push(ctx context.Context, kind posmodel.Kind, id string, doc json.RawMessage) error {
	endpoint := fmt.Sprintf("%s/v1/sync/%s/%s", c.BaseURL, url.PathEscape(string(kind)), url.PathEscape(id))
	if err := c.do(ctx, http.MethodPut, endpoint, doc, nil); err != nil {
		return fmt.Errorf("failed to push %s %s: %w", kind, id, err)
	}
	return nil
}

// Delete removes record id on the server. A record the server does not
// know counts as deleted.
func (c *Client) Delete(ctx context.Context, kind posmodel.Kind, id string) error {
	endpoint := fmt.Sprintf("%s/v1/sync/%s/%s", c.BaseURL, url.PathEscape(string(kind)), url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// RequestBackupURL asks the backend where to upload a backup.
func (c *Client) RequestBackupURL(ctx context.Context, req BackupURLRequest) (*UploadURLResponse, error) {
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup request: %w", err)
	}
	var out UploadURLResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/v1/backups/upload-url", body, &out); err != nil {
		return nil, fmt.Errorf("failed to request backup URL: %w", err)
	}
	return &out, nil
}

// UploadBackup streams a backup archive to a pre-signed URL. The URL carries
// its own authorization, so no bearer token is attached.
func (c *Client) UploadBackup(ctx context.Context, target *UploadURLResponse, body io.Reader, size int64) error {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.ContentLength = size
	httpReq.Header.Set("Content-Type", "application/gzip")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// SignIn exchanges development credentials for a bearer token.
func (c *Client) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signin request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/dummy-signin", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out SignInResponse
	if err := c.send(httpReq, &out); err != nil {
		return nil, fmt.Errorf("signin failed: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return c.send(httpReq, out)
}

func (c *Client) send(httpReq *http.Request, out any) error {
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
