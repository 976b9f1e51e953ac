// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal identifies the device behind an authenticated request.
type Principal struct {
	UserID    string
	DeviceID  string
	CompanyID string
}

// SetPrincipal stores p in the context
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the principal from the context
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// CompanyID returns the tenant of the request, if authenticated
func CompanyID(ctx context.Context) (string, bool) {
	p, ok := GetPrincipal(ctx)
	if !ok || p.CompanyID == "" {
		return "", false
	}
	return p.CompanyID, true
}
