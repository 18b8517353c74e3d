// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trust

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Caller is the authenticated transport-layer identity attached to a
// request. The gateway only needs the organization scope; everything else in
// the token is the platform's concern.
type Caller struct {
	Subject string
	OrgID   string
}

type callerContextKey struct{}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(*Caller)
	return caller, ok
}

// AuthMiddleware validates Bearer tokens on the engine API. An empty secret
// disables validation (local development, same switch the platform services
// use for self-hosted mode).
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates the middleware. secret may be empty.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	if secret == "" {
		log.Println("[Auth] JWT secret not set - token validation disabled")
	}
	return &AuthMiddleware{secret: []byte(secret)}
}

// Middleware returns a mux-compatible middleware function.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		caller, err := a.validate(r.Header.Get("Authorization"))
		if err != nil {
			log.Printf("[Auth] Rejected request to %s: %v", r.URL.Path, err)
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) validate(header string) (*Caller, error) {
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == "" || tokenString == header {
		return nil, fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	caller := &Caller{
		Subject: getClaimString(claims, "sub"),
		OrgID:   getClaimString(claims, "org_id"),
	}
	if caller.OrgID == "" {
		return nil, fmt.Errorf("token missing org_id claim")
	}
	return caller, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
