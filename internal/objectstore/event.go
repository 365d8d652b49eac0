package objectstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// ErrNoObjects is returned when an event body names no usable object.
var ErrNoObjects = errors.New("objectstore: event names no objects")

// Ref identifies one stored object.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ParseEvent accepts an S3 event notification ({"Records":[...]}) or a manual
// {"bucket","key"} body and returns the created objects it names. Records for
// other event types, S3 test events and non-message keys are dropped.
func ParseEvent(body []byte) ([]Ref, error) {
	var shape struct {
		Records json.RawMessage `json:"Records"`
		Event   string          `json:"Event"`
		Bucket  string          `json:"bucket"`
		Key     string          `json:"key"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("decode object event: %w", err)
	}

	if shape.Records == nil {
		if shape.Bucket == "" || shape.Key == "" {
			return nil, ErrNoObjects
		}
		if !IsMessageKey(shape.Key) {
			return nil, ErrNoObjects
		}
		return []Ref{{Bucket: shape.Bucket, Key: shape.Key}}, nil
	}

	var evt events.S3Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode s3 event: %w", err)
	}

	var refs []Ref
	for _, rec := range evt.Records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}

		key := rec.S3.Object.URLDecodedKey
		if key == "" {
			decoded, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				decoded = rec.S3.Object.Key
			}
			key = decoded
		}

		if rec.S3.Bucket.Name == "" || !IsMessageKey(key) {
			continue
		}
		refs = append(refs, Ref{Bucket: rec.S3.Bucket.Name, Key: key})
	}

	if len(refs) == 0 {
		return nil, ErrNoObjects
	}
	return refs, nil
}
