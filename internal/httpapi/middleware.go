package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/hustlexp/money-core/internal/store"
)

// idempotency enforces the Idempotency-Key contract on money-mutating
// routes: the first response for a (route, key) pair is cached and
// replayed byte-for-byte; reusing a key with a different request body is
// an error, never a silent second execution.
func (s *Server) idempotency() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("Idempotency-Key")
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fiber.Map{"code": "IDEMPOTENCY_KEY_REQUIRED", "message": "Idempotency-Key header is required"},
			})
		}
		scope := c.Method() + " " + c.Route().Path
		sum := sha256.Sum256(c.Body())
		reqHash := sum[:]

		cached, ok := s.idemCache.Get(scope + "|" + key)
		if !ok {
			if fromStore, err := s.store.GetIdempotentResponse(c.UserContext(), scope, key); err == nil {
				cached, ok = *fromStore, true
			}
		}
		if ok {
			if cached.ExpiresAt.After(s.clock.Now()) {
				if !bytes.Equal(cached.RequestHash, reqHash) {
					return c.Status(fiber.StatusConflict).JSON(fiber.Map{
						"error": fiber.Map{"code": "IDEMPOTENCY_KEY_REUSED", "message": "key was used with a different request"},
					})
				}
				s.metrics.ObserveIdempotentReplay(scope)
				c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
				return c.Status(cached.StatusCode).Send(cached.Body)
			}
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status >= 500 {
			// A failed execution must be retryable under the same key.
			return nil
		}
		body := make([]byte, len(c.Response().Body()))
		copy(body, c.Response().Body())
		if !json.Valid(body) {
			return nil
		}
		now := s.clock.Now()
		rec := store.IdempotentResponse{
			Scope:       scope,
			Key:         key,
			RequestHash: reqHash,
			StatusCode:  status,
			Body:        body,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.IdempotencyTTL()),
		}
		s.idemCache.Add(scope+"|"+key, rec)
		if err := s.store.PutIdempotentResponse(c.UserContext(), &rec); err != nil {
			s.log.Warn("idempotent response persist failed")
		}
		return nil
	}
}
