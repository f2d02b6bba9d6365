// Package health serves the liveness and readiness probes.
//
//   - GET /healthz reports liveness and the number of active calls.
//   - GET /readyz runs every [Checker] concurrently and returns 503 when any
//     fails or the server is draining.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz once [Handler.Drain] was called.
var ErrDraining = errors.New("health: draining")

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Postgres returns a checker pinging the database pool.
func Postgres(p Pinger) Checker {
	return Checker{Name: "postgres", Check: p.Ping}
}

// Redis returns a checker pinging the tenant cache.
func Redis(c redis.UniversalClient) Checker {
	return Checker{Name: "redis", Check: func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	}}
}

type result struct {
	Status      string            `json:"status"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers    []Checker
	activeCalls func() int
	draining    atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports the live session count on /healthz.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) {
		h.activeCalls = fn
	}
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain makes /readyz fail so load balancers stop routing new calls while
// running calls finish.
func (h *Handler) Drain() {
	h.draining.Store(true)
}

// Healthz always returns 200 while the process serves HTTP.
func (h *Handler) Healthz(c *gin.Context) {
	res := result{Status: "ok"}
	if h.activeCalls != nil {
		n := h.activeCalls()
		res.ActiveCalls = &n
	}
	c.JSON(http.StatusOK, res)
}

// Readyz returns 200 only when every checker passes.
func (h *Handler) Readyz(c *gin.Context) {
	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, result{
			Status: "fail",
			Checks: map[string]string{"server": "fail: " + ErrDraining.Error()},
		})
		return
	}

	var mu sync.Mutex
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	var g errgroup.Group
	for _, chk := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
			defer cancel()
			err := chk.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[chk.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[chk.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Register adds the probe routes to r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
