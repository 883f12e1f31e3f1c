// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the advisor service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// verifies it against the configured TokenVerifier, and stores the resulting
// AuthInfo in the Gin context for downstream handlers.
//
// The websocket endpoint does NOT use this middleware: browsers cannot set
// an Authorization header on a websocket upgrade, so /ws/chat authenticates
// in-band with an authenticate frame and calls the same TokenVerifier
// directly.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthorized is returned by verifiers for any invalid, expired, or
// mis-issued token. The edge never tells the client which check failed.
var ErrUnauthorized = errors.New("middleware: unauthorized")

// AuthInfo is the authenticated caller identity.
type AuthInfo struct {
	UserID string
	Email  string
	Admin  bool
}

// TokenVerifier validates a bearer token and resolves the caller identity.
// Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*AuthInfo, error)
}

// authInfoKey is the gin context key for the caller identity.
const authInfoKey = "fincoach_auth_info"

// SetAuthInfo stores the authenticated identity in the request context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated identity, or nil when the request
// did not pass the auth middleware.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates requests with a bearer token.
//
// Step 1: Extract the token from "Authorization: Bearer <token>".
// Step 2: Verify it via the configured verifier.
// Step 3: Store AuthInfo for handlers; 401 with a stable code otherwise.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": "UNAUTHENTICATED",
			})
			return
		}

		authInfo, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": "UNAUTHENTICATED",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// ExtractBearerToken parses an Authorization header value, returning "" when
// missing or malformed. The "Bearer" prefix is case-insensitive per RFC 7235.
func ExtractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// JWTVerifier verifies RS256 tokens against a JWKS endpoint with an
// auto-refreshing key cache, so provider key rotation needs no restart.
type JWTVerifier struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTVerifier builds a verifier for the identity provider at jwksURL.
// The initial JWKS fetch happens here so a misconfigured provider fails at
// startup, not on the first login.
func NewJWTVerifier(ctx context.Context, jwksURL, issuer, audience string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTVerifier{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify implements TokenVerifier: signature, expiry, issuer, and audience
// are all enforced; failures collapse onto ErrUnauthorized.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*AuthInfo, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if token.Subject() == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	info := &AuthInfo{UserID: token.Subject()}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			info.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			info.Admin = s == "admin"
		}
	}
	return info, nil
}

var _ TokenVerifier = (*JWTVerifier)(nil)
