package repository

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"feinstaub-publisher/internal/modules/ingest/types"
)

//go:embed sql/touch-station.sql
var touchStationSQL string

//go:embed sql/get-stations.sql
var getStationsSQL string

// StationRegistry records which stations have been heard from and how
// many messages were fanned out for each.
type StationRegistry interface {
	TouchStation(stationID string, seenAt time.Time, messages int) error
	GetStations() ([]types.Station, error)
}

type registryImpl struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) StationRegistry {
	return &registryImpl{db: db}
}

func (r *registryImpl) TouchStation(stationID string, seenAt time.Time, messages int) error {
	seen := seenAt.UTC().Format(time.RFC3339Nano)
	_, err := r.db.Exec(touchStationSQL, stationID, seen, seen, messages)
	if err != nil {
		return fmt.Errorf("touch station %q: %w", stationID, err)
	}
	return nil
}

func (r *registryImpl) GetStations() ([]types.Station, error) {
	rows, err := r.db.Query(getStationsSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close stations rows", "error", err)
		}
	}()

	var out []types.Station
	for rows.Next() {
		var s types.Station
		var firstSeen, lastSeen string
		if err := rows.Scan(&s.ID, &firstSeen, &lastSeen, &s.MessageCount); err != nil {
			return nil, err
		}
		if s.FirstSeen, err = parseStoredTime(firstSeen); err != nil {
			return nil, err
		}
		if s.LastSeen, err = parseStoredTime(lastSeen); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339, s)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: RFC3339Nano: %w; RFC3339: %w", s, err, err2)
		}
	}
	return t, nil
}
