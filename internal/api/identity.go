package api

import (
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"

	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/errdefs"
)

// Validator turns a presented token into a validated user id. The same
// validator serves the HTTP bearer middleware and the WebSocket
// authenticate frame.
type Validator interface {
	Validate(token string) (string, error)
}

// StaticBearerValidator accepts exactly the configured operator token.
// The user id is derived from the token so the authorization engine can
// address the holder in policy.
type StaticBearerValidator struct {
	token string
}

func (v *StaticBearerValidator) Validate(token string) (string, error) {
	if v.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return "", errdefs.Unauthorized("invalid bearer token")
	}
	return authz.TokenIdentifier(v.token), nil
}

// JWTValidator accepts HS256-signed tokens; the subject claim is the
// user id.
type JWTValidator struct {
	secret []byte
}

func (v *JWTValidator) Validate(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdefs.Unauthorized("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errdefs.Unauthorized("invalid token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errdefs.Unauthorized("token carries no subject")
	}
	return claims.Subject, nil
}

// chainValidator accepts a token any of its members accepts.
type chainValidator struct {
	members []Validator
}

func (v *chainValidator) Validate(token string) (string, error) {
	for _, member := range v.members {
		if userID, err := member.Validate(token); err == nil {
			return userID, nil
		}
	}
	return "", errdefs.Unauthorized("token rejected")
}

// NewValidator assembles the identity validator from the auth config.
// The returned mode string is reported by the public info endpoint.
func NewValidator(cfg config.AuthConfig) (Validator, string) {
	var members []Validator
	mode := "none"
	if cfg.BearerToken != "" {
		members = append(members, &StaticBearerValidator{token: cfg.BearerToken})
		mode = "bearer"
	}
	if cfg.JWTSecret != "" {
		members = append(members, &JWTValidator{secret: []byte(cfg.JWTSecret)})
		if mode == "bearer" {
			mode = "bearer+jwt"
		} else {
			mode = "jwt"
		}
	}
	if len(members) == 0 {
		return &rejectAll{}, mode
	}
	if len(members) == 1 {
		return members[0], mode
	}
	return &chainValidator{members: members}, mode
}

// rejectAll denies every token; the server still serves the public
// endpoints when no auth backend is configured.
type rejectAll struct{}

func (rejectAll) Validate(string) (string, error) {
	return "", errdefs.Unauthorized("no authentication backend configured")
}
