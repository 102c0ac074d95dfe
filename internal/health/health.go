// Package health provides liveness and readiness endpoints for the server.
package health

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]Status
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// IsReady returns true if no check reports down.
func (c *Checker) IsReady(ctx context.Context) bool {
	results := c.RunAll(ctx)
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler returns a Fiber handler for /healthz.
func LivenessHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

// ReadinessHandler returns a Fiber handler for /readyz.
func (c *Checker) ReadinessHandler() fiber.Handler {
	return func(fc *fiber.Ctx) error {
		results := c.RunAll(fc.Context())

		allOK := true
		for _, s := range results {
			if s == StatusDown {
				allOK = false
				break
			}
		}

		resp := fiber.Map{"checks": results}
		if allOK {
			resp["status"] = "ready"
			return fc.JSON(resp)
		}
		resp["status"] = "not_ready"
		return fc.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
}

// DirWritable reports down when a probe file cannot be created in dir.
func DirWritable(dir string) CheckFunc {
	return func(ctx context.Context) Status {
		probe := filepath.Join(dir, ".health-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return StatusDown
		}
		os.Remove(probe)
		return StatusOK
	}
}

// DirReadable reports degraded when dir cannot be listed. The server keeps
// serving paired devices without a projects dir, so this is never down.
func DirReadable(dir string) CheckFunc {
	return func(ctx context.Context) Status {
		if _, err := os.ReadDir(dir); err != nil {
			return StatusDegraded
		}
		return StatusOK
	}
}

// BinaryOnPath reports down when the agent binary cannot be resolved.
func BinaryOnPath(name string) CheckFunc {
	return func(ctx context.Context) Status {
		if filepath.IsAbs(name) {
			if _, err := os.Stat(name); err != nil {
				return StatusDown
			}
			return StatusOK
		}
		if _, err := exec.LookPath(name); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}
