// Package service owns the payload translation pipeline: decoded
// measurement points become per-sensor JSON messages, and each /write
// request is fanned out to the time-series store and the broker. The
// two sinks are independent; the HTTP response only ever reflects the
// store leg.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"feinstaub-publisher/internal/config"
	"feinstaub-publisher/internal/influx"
	"feinstaub-publisher/internal/modules/ingest/lineproto"
	"feinstaub-publisher/internal/modules/ingest/repository"
	"feinstaub-publisher/internal/modules/ingest/types"
	"feinstaub-publisher/internal/mqtt"
)

// ErrMalformedTagSet is returned when a point's tag set is not exactly
// "<stationType>,station=<id>". Such points are skipped for message
// composition; the raw store write is unaffected.
var ErrMalformedTagSet = errors.New("malformed tag set")

// parameterNames maps firmware parameter names onto the canonical
// attribute names used in outbound messages. Fields whose parameter is
// not listed here never reach the broker.
var parameterNames = map[string]string{
	"windSpeed":   "windSpeed",
	"windDir":     "windDirection",
	"rain":        "precipitation",
	"temperature": "temperature",
	"humidity":    "relativeHumidity",
	"pressure":    "barometricPressure",
	"light":       "illuminance",
	"lat":         "latitude",
	"lon":         "longitude",
	"height":      "altitude",
	"CO":          "CO",
	"NO":          "NO",
	"NO2":         "NO2",
	"NOx":         "NOx",
	"SO2":         "SO2",
	"P1":          "PM10",
	"P2":          "PM2.5",
}

// StoreClient is the time-series store seen by the dispatcher. One
// client is built per request and closed on every exit path.
type StoreClient interface {
	ListDatabases() ([]string, error)
	CreateDatabase(name string) error
	WriteRaw(ctx context.Context, params url.Values, body []byte) (influx.WriteResponse, error)
	Close() error
}

// StoreClientFactory builds the per-request store client with the
// credentials supplied by (or defaulted for) that request.
type StoreClientFactory func(username, password string) (StoreClient, error)

// Publisher is the broker leg of the dual sink.
type Publisher interface {
	PublishBatch(messages []mqtt.Message) error
}

type WriteRequest struct {
	Body        []byte
	ContentType string
	Query       url.Values
	Username    string
	Password    string
}

// WriteResult is what the HTTP caller gets back: the store's response,
// mirrored verbatim, or a synthesized status when the store was
// unreachable. The broker outcome never appears here.
type WriteResult struct {
	StatusCode  int
	ContentType string
	Body        string
}

type Service struct {
	cfg      config.Config
	newStore StoreClientFactory
	broker   Publisher
	registry repository.StationRegistry
}

func New(cfg config.Config, newStore StoreClientFactory, broker Publisher, registry repository.StationRegistry) *Service {
	return &Service{
		cfg:      cfg,
		newStore: newStore,
		broker:   broker,
		registry: registry,
	}
}

// Dispatch runs one request through both sinks. A non-nil error means
// the request was rejected before the raw write (malformed GPS
// timestamp or a provisioning failure) and no sink received data that
// request should not have produced. Once the raw write has been
// attempted its outcome is final: the broker leg runs afterwards and
// can no longer change the result.
func (s *Service) Dispatch(ctx context.Context, req WriteRequest) (WriteResult, error) {
	normalized, err := lineproto.NormalizeGPSTime(req.Body)
	if err != nil {
		return WriteResult{}, err
	}

	store, err := s.newStore(req.Username, req.Password)
	if err != nil {
		return WriteResult{}, fmt.Errorf("store client: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close store client", "error", err)
		}
	}()

	dbName := req.Query.Get("db")
	if err := ensureDatabase(store, dbName); err != nil {
		return WriteResult{}, err
	}

	result := s.writeRaw(ctx, store, req.Query, normalized)

	// Broker leg: best-effort fan-out over the original body. Nothing
	// past this point may alter the result computed above.
	s.publishTelemetry(req.ContentType, req.Body)

	return result, nil
}

func ensureDatabase(store StoreClient, name string) error {
	names, err := store.ListDatabases()
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	slog.Info("influxdb database not found, creating", "db", name)
	if err := store.CreateDatabase(name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

func (s *Service) writeRaw(ctx context.Context, store StoreClient, params url.Values, body []byte) WriteResult {
	resp, err := store.WriteRaw(ctx, params, body)
	if err != nil {
		slog.Error("influxdb write failed", "error", err)
		return WriteResult{
			StatusCode: http.StatusBadGateway,
			Body:       err.Error(),
		}
	}
	slog.Debug("influxdb write", "status", resp.StatusCode, "bytes", len(body))
	return WriteResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	}
}

// publishTelemetry decodes the body, composes one message per sensor
// model and publishes the batch. All failures are telemetry-only:
// logged, never surfaced to the HTTP caller.
func (s *Service) publishTelemetry(contentType string, body []byte) {
	points := lineproto.Decode(contentType, body)
	if len(points) == 0 {
		return
	}

	var messages []mqtt.Message
	for _, point := range points {
		stationID, tree, timestamp, dateObserved, err := s.buildSensorTree(point)
		if err != nil {
			slog.Warn("skipping point for message composition", "tag_set", point.TagSet, "error", err)
			continue
		}

		msgs, err := s.composeMessages(stationID, tree, timestamp, dateObserved)
		if err != nil {
			slog.Error("message composition failed", "station_id", stationID, "error", err)
			continue
		}
		messages = append(messages, msgs...)

		if err := s.registry.TouchStation(stationID, time.Unix(timestamp, 0).UTC(), len(msgs)); err != nil {
			slog.Error("station registry update failed", "station_id", stationID, "error", err)
		}
	}
	if len(messages) == 0 {
		return
	}

	if err := s.broker.PublishBatch(messages); err != nil {
		slog.Warn("broker publish failed, telemetry fan-out dropped", "messages", len(messages), "error", err)
	}
}

// buildSensorTree decomposes one point's field set into a sensor tree
// keyed by model and canonical parameter name.
func (s *Service) buildSensorTree(point types.MeasurementPoint) (stationID string, tree types.SensorTree, timestamp int64, dateObserved string, err error) {
	tags := strings.Split(point.TagSet, ",")
	if len(tags) != 2 {
		err = fmt.Errorf("%w: %q", ErrMalformedTagSet, point.TagSet)
		return
	}
	key, id, ok := strings.Cut(tags[1], "=")
	if !ok || key != "station" || id == "" {
		err = fmt.Errorf("%w: missing station tag in %q", ErrMalformedTagSet, point.TagSet)
		return
	}
	stationID = id

	if point.Timestamp != nil {
		timestamp = *point.Timestamp
	} else {
		timestamp = time.Now().Unix()
	}
	dateObserved = time.Unix(timestamp, 0).UTC().Format(time.RFC3339)

	tree = make(types.SensorTree)
	for _, field := range strings.Split(point.FieldSet, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		// DHT22 firmware emits bare temperature/humidity keys without
		// the model prefix.
		if key == "temperature" || key == "humidity" {
			key = "DHT22_" + key
		}
		model, parameter, _ := strings.Cut(key, "_")
		canonical, known := parameterNames[parameter]
		if !known {
			continue
		}
		if tree[model] == nil {
			tree[model] = make(map[string]string)
		}
		tree[model][canonical] = value
	}
	return stationID, tree, timestamp, dateObserved, nil
}

// composeMessages emits one message per sensor model in the tree. A
// GPS entry never becomes a message; its fix overrides the configured
// default coordinates for every other message of the request.
func (s *Service) composeMessages(stationID string, tree types.SensorTree, timestamp int64, dateObserved string) ([]mqtt.Message, error) {
	coords := types.Coordinates{
		Latitude:  s.cfg.DefaultLatitude,
		Longitude: s.cfg.DefaultLongitude,
	}
	if gps, ok := tree["GPS"]; ok {
		if lat, ok := gps["latitude"]; ok {
			coords.Latitude = lat
		}
		if lon, ok := gps["longitude"]; ok {
			coords.Longitude = lon
		}
	}

	messages := make([]mqtt.Message, 0, len(tree))
	for model, parameters := range tree {
		if model == "GPS" {
			continue
		}

		payload := make(map[string]any, len(parameters)+4)
		for name, value := range parameters {
			payload[name] = value
		}
		payload["timestamp"] = timestamp
		payload["dateObserved"] = dateObserved
		payload["latitude"] = coords.Latitude
		payload["longitude"] = coords.Longitude

		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", model, err)
		}
		messages = append(messages, mqtt.Message{
			Topic:   fmt.Sprintf("%s/%s.%s", s.cfg.MQTTTopicPrefix, stationID, model),
			Payload: data,
			QoS:     0,
			Retain:  false,
		})
	}
	return messages, nil
}
