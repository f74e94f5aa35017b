package controller

import (
	"context"
	"net/http"

	"feinstaub-publisher/internal/config"
	"feinstaub-publisher/internal/modules/ingest/repository"
	"feinstaub-publisher/internal/modules/ingest/service"
)

type IngestController interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Dispatcher is the write pipeline the controller hands requests to.
type Dispatcher interface {
	Dispatch(ctx context.Context, req service.WriteRequest) (service.WriteResult, error)
}

type ingestControllerImpl struct {
	cfg        config.Config
	dispatcher Dispatcher
	repository repository.StationRegistry
}

func NewIngestController(cfg config.Config, dispatcher Dispatcher, repository repository.StationRegistry) IngestController {
	return &ingestControllerImpl{cfg: cfg, dispatcher: dispatcher, repository: repository}
}

func (c *ingestControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /write", c.handleWrite)
	mux.HandleFunc("GET /api/v1/stations", c.handleStations)
}
