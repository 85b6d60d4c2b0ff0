// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adminapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// adminRole is the single role the admin surface recognizes; the teacher's
// richer (admin/support/api/user) role set doesn't apply here since this
// API has exactly one capability (operate the pump).
const adminRole = "pump-admin"

// BearerAuthenticator validates the "Authorization: Bearer <token>" header
// against a single HS256 secret, mirroring the login-token branch of
// internal/auth/jwt.go's JWTAuthenticator.Login (EdDSA cross-login and
// session cookies don't apply to a machine-to-machine admin API).
type BearerAuthenticator struct {
	Secret []byte
}

func (a *BearerAuthenticator) parse(rawtoken string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(rawtoken, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func hasAdminRole(claims jwt.MapClaims) bool {
	raw, ok := claims["roles"].([]any)
	if !ok {
		return false
	}
	for _, r := range raw {
		if s, ok := r.(string); ok && s == adminRole {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token carrying the
// pump-admin role.
func (a *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawtoken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if rawtoken == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.parse(rawtoken)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		if !hasAdminRole(claims) {
			http.Error(w, "token lacks pump-admin role", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
