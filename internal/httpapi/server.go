package httpapi

import (
	"net/http"

	"feinstaub-publisher/internal/config"
)

func NewServer(cfg config.Config, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: requestLogger(mux),
	}
}
