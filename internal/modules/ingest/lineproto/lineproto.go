// Package lineproto decodes the station firmware's line-oriented
// key=value wire format: one measurement per line, whitespace-separated
// into a tag set, a field set and an optional epoch-seconds timestamp.
package lineproto

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"feinstaub-publisher/internal/modules/ingest/types"
)

// FormContentType marks a request body as line-protocol text. Anything
// else is passed through to the store untouched and never decoded.
const FormContentType = "application/x-www-form-urlencoded"

// ErrMalformedTimestamp is returned when a body carries both GPS_date
// and GPS_time but they do not parse under the firmware's fixed format.
var ErrMalformedTimestamp = errors.New("malformed GPS timestamp")

// gpsTimestampLayout is the firmware's GPS_date-GPS_time joint format.
const gpsTimestampLayout = "01/02/2006-15:04:05.000000"

// Decode splits a request body into measurement points. Lines with
// fewer than two tokens are dropped; a third token is parsed as an
// integer timestamp and treated as absent when it does not parse.
func Decode(contentType string, body []byte) []types.MeasurementPoint {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt != FormContentType {
		return nil
	}

	var points []types.MeasurementPoint
	for _, line := range strings.Split(string(body), "\n") {
		tokens := strings.Fields(line)
		if len(tokens) < 2 {
			continue
		}
		point := types.MeasurementPoint{
			TagSet:   tokens[0],
			FieldSet: tokens[1],
		}
		if len(tokens) >= 3 {
			if ts, err := strconv.ParseInt(tokens[2], 10, 64); err == nil {
				point.Timestamp = &ts
			}
		}
		points = append(points, point)
	}
	return points
}

// NormalizeGPSTime rewrites the firmware's split GPS_date/GPS_time pair
// in a single-line body into one ISO-8601 GPS_time field at the front
// of the field set. Bodies carrying neither or only one of the two are
// returned unchanged, which makes the rewrite idempotent.
func NormalizeGPSTime(body []byte) ([]byte, error) {
	tokens := strings.Fields(string(body))
	if len(tokens) < 2 {
		return body, nil
	}

	var gpsDate, gpsTime string
	fields := strings.Split(tokens[1], ",")
	rest := make([]string, 0, len(fields))
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		switch {
		case ok && key == "GPS_date":
			gpsDate = value
		case ok && key == "GPS_time":
			gpsTime = value
		default:
			rest = append(rest, field)
		}
	}
	if gpsDate == "" || gpsTime == "" {
		return body, nil
	}

	ts, err := time.Parse(gpsTimestampLayout, gpsDate+"-"+gpsTime)
	if err != nil {
		return nil, fmt.Errorf("%w: GPS_date=%q GPS_time=%q", ErrMalformedTimestamp, gpsDate, gpsTime)
	}

	normalized := append(
		[]string{fmt.Sprintf("GPS_time=%q", ts.UTC().Format(time.RFC3339))},
		rest...,
	)
	tokens[1] = strings.Join(normalized, ",")
	return []byte(strings.Join(tokens, " ")), nil
}
