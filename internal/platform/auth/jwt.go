// Package auth verifies bearer tokens for the REST surface. The signed
// admin claim on the token is the sole admin authority; role columns in
// the database are never consulted.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

type Actor struct {
	ID    string
	Admin bool
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// ParseActor validates an HS256 token and extracts the subject and the
// admin claim. Any parse or claim failure is a single opaque error; the
// HTTP layer never leaks why a token was rejected.
func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Actor{}, errors.New("missing subject claim")
	}
	admin, _ := claims["admin"].(bool)
	return Actor{ID: sub, Admin: admin}, nil
}

// MintToken issues a token for tests and local tooling.
func (v *JWTVerifier) MintToken(actorID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": actorID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if admin {
		claims["admin"] = true
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

const fiberActorLocal = "auth.actor"

// RequireUser is the fiber middleware for user routes: it demands a valid
// bearer token and stashes the actor on the request.
func RequireUser(verifier *JWTVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, err := actorFromHeader(verifier, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "UNAUTHORIZED"})
		}
		c.Locals(fiberActorLocal, actor)
		c.SetUserContext(WithActor(c.UserContext(), actor))
		return c.Next()
	}
}

// RequireAdmin additionally demands the signed admin claim.
func RequireAdmin(verifier *JWTVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, err := actorFromHeader(verifier, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "UNAUTHORIZED"})
		}
		if !actor.Admin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "ADMIN_REQUIRED"})
		}
		c.Locals(fiberActorLocal, actor)
		c.SetUserContext(WithActor(c.UserContext(), actor))
		return c.Next()
	}
}

// ActorFromFiber returns the actor stashed by the middleware.
func ActorFromFiber(c *fiber.Ctx) (Actor, bool) {
	v, ok := c.Locals(fiberActorLocal).(Actor)
	return v, ok
}

func actorFromHeader(verifier *JWTVerifier, header string) (Actor, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return Actor{}, errors.New("missing bearer token")
	}
	return verifier.ParseActor(strings.TrimPrefix(header, "Bearer "))
}
