package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// MaxBodyBytes caps the accepted /write request body. The station
	// firmware never sends more than one measurement line.
	MaxBodyBytes int64

	InfluxHost string
	InfluxPort int
	// InfluxDatabase, when set, is the only database name accepted on
	// the ?db= query parameter. Empty means any name is accepted and
	// provisioned on demand.
	InfluxDatabase string
	InfluxUsername string
	InfluxPassword string

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	// DefaultLatitude/DefaultLongitude are used for stations whose
	// payload carries no GPS fix, parsed from LOCATION "lat,lon".
	DefaultLatitude  float64
	DefaultLongitude float64

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	maxBodyStr := strings.TrimSpace(os.Getenv("MAX_BODY_BYTES"))
	if maxBodyStr == "" {
		maxBodyStr = "1024"
	}
	maxBody, err := strconv.ParseInt(maxBodyStr, 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MAX_BODY_BYTES %q: %w", maxBodyStr, err)
	}
	if maxBody <= 0 {
		return Config{}, fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", maxBody)
	}

	influxHost := strings.TrimSpace(os.Getenv("INFLUXDB_HOST"))
	if influxHost == "" {
		influxHost = "localhost"
	}
	influxPort, err := portFromEnv("INFLUXDB_PORT", 8086)
	if err != nil {
		return Config{}, err
	}
	influxDatabase := strings.TrimSpace(os.Getenv("INFLUXDB_DATABASE"))

	influxUsername := strings.TrimSpace(os.Getenv("INFLUXDB_USERNAME"))
	if influxUsername == "" {
		influxUsername = "root"
	}
	influxPassword := os.Getenv("INFLUXDB_PASSWORD")
	if influxPassword == "" {
		influxPassword = "root"
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}
	mqttPort, err := portFromEnv("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "feinstaub-publisher"
	}
	mqttTopicPrefix := strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	if mqttTopicPrefix == "" {
		mqttTopicPrefix = "WeatherObserved"
	}

	location := strings.TrimSpace(os.Getenv("LOCATION"))
	if location == "" {
		location = "0.0,0.0"
	}
	lat, lon, err := parseLocation(location)
	if err != nil {
		return Config{}, err
	}

	driver := strings.TrimSpace(os.Getenv("DB_DRIVER"))
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	path := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if path == "" {
		path = "./data/stations.db"
	}

	maxOpenConns, err := intFromEnv("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}

	connMaxLifetimeStr := strings.TrimSpace(os.Getenv("DB_CONN_MAX_LIFETIME"))
	if connMaxLifetimeStr == "" {
		connMaxLifetimeStr = "0s"
	}
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		MaxBodyBytes:          maxBody,
		InfluxHost:            influxHost,
		InfluxPort:            influxPort,
		InfluxDatabase:        influxDatabase,
		InfluxUsername:        influxUsername,
		InfluxPassword:        influxPassword,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          mqttClientID,
		MQTTTopicPrefix:       mqttTopicPrefix,
		DefaultLatitude:       lat,
		DefaultLongitude:      lon,
		SQLiteDriver:          driver,
		SQLiteDSN:             dsn,
		SQLitePath:            path,
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
	}, nil
}

func parseLocation(s string) (lat float64, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid LOCATION %q (expected \"lat,lon\")", s)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid LOCATION latitude %q: %w", parts[0], err)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid LOCATION longitude %q: %w", parts[1], err)
	}
	return lat, lon, nil
}

func portFromEnv(name string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return def, nil
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid %s %d (out of range)", name, port)
	}
	return port, nil
}

func intFromEnv(name string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
