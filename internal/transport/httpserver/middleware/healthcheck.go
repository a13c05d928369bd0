// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
)

// Probe checks one dependency the service needs to accept traffic.
type Probe func(ctx context.Context) error

const probeTimeout = 2 * time.Second

// NewHealthCheck creates a Fiber healthcheck middleware with Kubernetes-style endpoints.
//
// Endpoints:
//   - GET /livez  - Liveness probe (process is running)
//   - GET /readyz - Readiness probe (every probe passes)
//
// Register it before other middleware so probes bypass rate limiting.
func NewHealthCheck(probes ...Probe) fiber.Handler {
	return healthcheck.New(healthcheck.Config{
		LivenessEndpoint: "/livez",
		LivenessProbe: func(_ *fiber.Ctx) bool {
			return true
		},

		ReadinessEndpoint: "/readyz",
		ReadinessProbe: func(c *fiber.Ctx) bool {
			ctx, cancel := context.WithTimeout(c.UserContext(), probeTimeout)
			defer cancel()

			for _, probe := range probes {
				if probe(ctx) != nil {
					return false
				}
			}

			return true
		},
	})
}
