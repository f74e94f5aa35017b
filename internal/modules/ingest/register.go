package ingest

import (
	"database/sql"
	"net/http"

	"feinstaub-publisher/internal/config"
	"feinstaub-publisher/internal/influx"
	"feinstaub-publisher/internal/modules/ingest/controller"
	"feinstaub-publisher/internal/modules/ingest/repository"
	"feinstaub-publisher/internal/modules/ingest/service"
)

func RegisterFeature(mux *http.ServeMux, db *sql.DB, cfg config.Config, broker service.Publisher) {
	stationRegistry := repository.NewRegistry(db)
	newStore := func(username, password string) (service.StoreClient, error) {
		return influx.NewClient(cfg, username, password)
	}
	ingestService := service.New(cfg, newStore, broker, stationRegistry)
	ingestController := controller.NewIngestController(cfg, ingestService, stationRegistry)
	ingestController.RegisterRoutes(mux)
}
