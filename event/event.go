// Package event decodes storage-change notifications and defines the
// completion event exchanged between the copier and the usage logger.
//
// A notification reaches the copier wrapped twice: the queue message body is a
// pub/sub envelope whose Message field is itself a JSON string carrying the
// storage-change records.
//
//	{"Message": "{\"Records\":[{\"s3\":{\"bucket\":{\"name\":\"src\"},\"object\":{\"key\":\"a+b.txt\"}}}]}"}
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// CompletionInfo is the Info value of every completion event.
const CompletionInfo = "File copied"

// ErrDecode marks every failure to decode an inbound payload.
var ErrDecode = errors.New("decode event")

// ObjectChange is one decoded storage-change notification.
type ObjectChange struct {
	Bucket    string
	Key       string
	EventName string
}

type pubsubEnvelope struct {
	Message *string `json:"Message"`
}

type notification struct {
	Records []record `json:"Records"`
}

type record struct {
	EventName string   `json:"eventName,omitempty"`
	S3        s3Entity `json:"s3"`
}

type s3Entity struct {
	Bucket s3Bucket `json:"bucket"`
	Object s3Object `json:"object"`
}

type s3Bucket struct {
	Name string `json:"name"`
}

type s3Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
}

func decodeErr(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDecode, stage, err)
}

// DecodeNotification unwraps a queue message body into an ObjectChange.
//
// Only the first record is consulted. The object key is percent-decoded with
// plus-as-space semantics, matching how storage notifications encode keys.
func DecodeNotification(body string) (ObjectChange, error) {
	var env pubsubEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return ObjectChange{}, decodeErr("envelope", err)
	}
	if env.Message == nil {
		return ObjectChange{}, decodeErr("envelope", errors.New("missing Message field"))
	}

	var n notification
	if err := json.Unmarshal([]byte(*env.Message), &n); err != nil {
		return ObjectChange{}, decodeErr("notification", err)
	}
	if len(n.Records) == 0 {
		return ObjectChange{}, decodeErr("notification", errors.New("no records"))
	}

	rec := n.Records[0]
	if rec.S3.Bucket.Name == "" {
		return ObjectChange{}, decodeErr("notification", errors.New("missing bucket name"))
	}
	if rec.S3.Object.Key == "" {
		return ObjectChange{}, decodeErr("notification", errors.New("missing object key"))
	}

	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return ObjectChange{}, decodeErr("object key", err)
	}

	return ObjectChange{
		Bucket:    rec.S3.Bucket.Name,
		Key:       key,
		EventName: rec.EventName,
	}, nil
}

// EncodeNotification builds a message body in the shape DecodeNotification
// expects, escaping the key the way storage notifications do.
func EncodeNotification(bucket, key string) (string, error) {
	inner, err := json.Marshal(notification{Records: []record{{
		EventName: "ObjectCreated:Put",
		S3: s3Entity{
			Bucket: s3Bucket{Name: bucket},
			Object: s3Object{Key: url.QueryEscape(key)},
		},
	}}})
	if err != nil {
		return "", err
	}

	msg := string(inner)
	outer, err := json.Marshal(pubsubEnvelope{Message: &msg})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

// Completion is published by the copier after every successful copy.
// It carries no key; the usage logger always recomputes the full aggregate.
type Completion struct {
	Info   string `json:"info"`
	Bucket string `json:"bucket"`
}

func NewCompletion(destinationBucket string) Completion {
	return Completion{Info: CompletionInfo, Bucket: destinationBucket}
}

func (c Completion) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCompletion parses a completion message body.
func DecodeCompletion(body string) (Completion, error) {
	var c Completion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return Completion{}, decodeErr("completion", err)
	}
	return c, nil
}
