// Package identity implements the Identity Extractor (C6): deriving a
// caller Identity from an optional JWT bearer token and an optional
// PROXY-protocol peer identity (§4.6).
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog/log"

	"github.com/latticemcp/gateway/internal/rbac"
)

// JWTAuthenticator verifies a bearer token and returns its claims as an
// arbitrary map, generalized from a fixed claims struct so any upstream's
// token shape is carried through unmodified (§3 "arbitrary claim map").
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds a HMAC-secret authenticator. Key discovery
// (JWKS, rotation) is an out-of-scope collaborator; callers resolve the
// secret themselves (static config, in this implementation).
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims as a map.
func (a *JWTAuthenticator) Verify(tokenString string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return map[string]interface{}(claims), nil
}

type peerIdentityKey struct{}

// ConnContext is wired as an http.Server's ConnContext hook. When the
// listener is wrapped with proxyproto.Listener, c is a *proxyproto.Conn and
// its decoded source address becomes the request's peer identity.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	pc, ok := c.(*proxyproto.Conn)
	if !ok {
		return ctx
	}
	addr := pc.RemoteAddr()
	if addr == nil {
		return ctx
	}
	return context.WithValue(ctx, peerIdentityKey{}, addr.String())
}

// PeerIdentityFromContext returns the PROXY-protocol-derived peer identity
// attached by ConnContext, if present.
func PeerIdentityFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerIdentityKey{}).(string)
	return v, ok
}

// Extractor implements identity_from(http_parts, peer) -> Identity. A nil
// Authenticator means "no JWT authenticator configured": JWT is skipped
// entirely and claims are always absent, per §4.6.
type Extractor struct {
	Authenticator *JWTAuthenticator
}

// NewExtractor builds an Extractor. auth may be nil.
func NewExtractor(auth *JWTAuthenticator) *Extractor {
	return &Extractor{Authenticator: auth}
}

// ErrAuth is returned when a configured authenticator requires a bearer
// token that is absent or invalid; its Error() text is the exact body the
// HTTP layer reports as {"error": "<message>"} with 400 (§4.6, §6).
type ErrAuth struct{ msg string }

func (e *ErrAuth) Error() string { return e.msg }

// IdentityFrom derives the caller's Identity from r. If a JWT authenticator
// is configured, a valid Bearer header is mandatory; otherwise any request
// (including anonymous ones) is permitted, and JWT claims are simply absent.
func (e *Extractor) IdentityFrom(r *http.Request) (rbac.Identity, error) {
	var id rbac.Identity

	if peer, ok := PeerIdentityFromContext(r.Context()); ok {
		id.PeerIdentity = peer
	}

	if e.Authenticator == nil {
		return id, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return rbac.Identity{}, &ErrAuth{msg: "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return rbac.Identity{}, &ErrAuth{msg: "Authorization header must be a Bearer token"}
	}
	token := strings.TrimPrefix(header, prefix)

	claims, err := e.Authenticator.Verify(token)
	if err != nil {
		log.Debug().Err(err).Msg("jwt verification failed")
		return rbac.Identity{}, &ErrAuth{msg: "Invalid token: " + err.Error()}
	}

	id.JWTClaims = claims
	return id, nil
}
