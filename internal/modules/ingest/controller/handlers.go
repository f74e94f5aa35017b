package controller

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"feinstaub-publisher/internal/modules/ingest/service"
	"feinstaub-publisher/internal/utils"
)

func (c *ingestControllerImpl) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		utils.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	query := r.URL.Query()
	dbName := query.Get("db")
	if dbName == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing 'db' parameter")
		return
	}
	if c.cfg.InfluxDatabase != "" && dbName != c.cfg.InfluxDatabase {
		utils.WriteError(w, http.StatusBadRequest, "unknown database")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		username = c.cfg.InfluxUsername
		password = c.cfg.InfluxPassword
	}

	result, err := c.dispatcher.Dispatch(r.Context(), service.WriteRequest{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Query:       query,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		slog.Warn("write rejected", "db", dbName, "error", err)
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Mirror the store's response to the station, status and body alike.
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.StatusCode)
	if result.Body != "" {
		if _, err := io.WriteString(w, result.Body); err != nil {
			slog.Error("write response failed", "error", err)
		}
	}
}

func (c *ingestControllerImpl) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := c.repository.GetStations()
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, stations)
}
