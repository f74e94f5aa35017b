package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"feinstaub-publisher/internal/config"
	db "feinstaub-publisher/internal/db"
	"feinstaub-publisher/internal/db/migrate"
	httpapi "feinstaub-publisher/internal/httpapi"
	ingest "feinstaub-publisher/internal/modules/ingest"
	"feinstaub-publisher/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"maxBodyBytes", cfg.MaxBodyBytes,
		"influxHost", cfg.InfluxHost,
		"influxPort", cfg.InfluxPort,
		"influxDatabase", cfg.InfluxDatabase,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientID", cfg.MQTTClientID,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
	)
	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn); err != nil {
		return err
	}

	var ok int
	err = dbConn.QueryRow(`SELECT 1`).Scan(&ok)
	if err != nil {
		return err
	}
	if ok != 1 {
		return errors.New("database connection failed")
	}
	slog.Info("database connection successful")

	publisher, err := mqtt.NewPublisher(cfg, slog.Default())
	if err != nil {
		return err
	}

	mux := httpapi.NewMux(dbConn)
	ingest.RegisterFeature(mux, dbConn, cfg, publisher)

	// Use a short timeout for initial MQTT connect so we don't block startup
	// when the broker is down; the client keeps retrying in the background
	// and stations can still reach /write in the meantime.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = publisher.Connect(connectCtx)
	connectCancel()
	if err != nil {
		slog.Warn("mqtt connection failed (continuing without broker)", "error", err)
	}

	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("mqtt disconnecting")
	publisher.Disconnect()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
