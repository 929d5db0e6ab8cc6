package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const healthTimeout = 3 * time.Second

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Component reports the health of one dependency
type Component struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type ServerController interface {
	// Health runs every registered check and reports whether all passed
	Health(ctx context.Context) ([]Component, bool)
	Online() string
}

type serverController struct {
	checks map[string]HealthCheck
}

func NewServer(checks map[string]HealthCheck) ServerController {
	return &serverController{checks: checks}
}

func (sc *serverController) Online() string {
	return "Online"
}

func (sc *serverController) Health(ctx context.Context) ([]Component, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make([]Component, 0, len(sc.checks))
	)
	for name, check := range sc.checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			c := Component{Name: name, Healthy: true}
			if err := check(ctx); err != nil {
				log.Warn().Err(err).Str("component", name).Msg("Health check failed")
				c.Healthy, c.Error = false, err.Error()
			}
			mu.Lock()
			out = append(out, c)
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	healthy := true
	for _, c := range out {
		healthy = healthy && c.Healthy
	}
	return out, healthy
}
