package server

import (
	"fmt"
	"net/http"
	"time"

	"ferry/internal/config"
	"ferry/internal/controller"
)

// TokenResolver maps a bearer token to its principal
type TokenResolver interface {
	Resolve(token string) (string, bool)
}

type Server struct {
	sc     controller.ServerController
	jc     controller.JobController
	tokens TokenResolver
	config config.Config
}

// NewServer builds the HTTP handlers. A nil resolver disables authentication
// and every request runs as the anonymous principal.
func NewServer(cfg config.Config, sc controller.ServerController, jc controller.JobController, tokens TokenResolver) *Server {
	return &Server{
		sc:     sc,
		jc:     jc,
		tokens: tokens,
		config: cfg,
	}
}

func New(cfg config.Config, sc controller.ServerController, jc controller.JobController, tokens TokenResolver) *http.Server {
	s := NewServer(cfg, sc, jc, tokens)

	return &http.Server{
		Addr:              fmt.Sprintf(":%v", cfg.Port),
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// no write timeout: progress streams stay open until the job ends
	}
}
