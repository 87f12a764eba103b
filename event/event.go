// Package event defines the catalog change notification envelope published
// to the broker and its wire codec.
package event

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Action is the kind of change an event reports
type Action string

const (
	ActionAdd     Action = "ADD"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionReindex Action = "REINDEX"
	ActionImport  Action = "IMPORT"
)

// Actions returns every known action.
func Actions() []Action {
	return []Action{ActionAdd, ActionUpdate, ActionDelete, ActionReindex, ActionImport}
}

// ParseAction converts a wire value into an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) String() string {
	return string(a)
}

// Known reports whether a is one of Actions.
func (a Action) Known() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

// EncodingBase64 marks uncompressed content that is not valid UTF-8 and is
// carried base64 encoded.
const EncodingBase64 = "base64"

// Object is one document carried by an event.
// Content holds the raw document when it is UTF-8 text, its base64 encoding
// when Encoding is EncodingBase64, and the base64 encoding of its gzip
// stream when Compressed is set.
type Object struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Content    string   `json:"content,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
	Compressed bool     `json:"compressed,omitempty"`
	MediaType  string   `json:"mediaType,omitempty"`
	Name       string   `json:"name,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// NewObject returns an uncompressed object. Binary content is base64
// encoded so it survives the JSON envelope.
func NewObject(id, objectType string, content []byte) Object {
	if utf8.Valid(content) {
		return Object{ID: id, Type: objectType, Content: string(content)}
	}
	return Object{
		ID:       id,
		Type:     objectType,
		Content:  base64.StdEncoding.EncodeToString(content),
		Encoding: EncodingBase64,
	}
}

// NewCompressedObject returns an object whose content is gzip compressed.
func NewCompressedObject(id, objectType string, content []byte) (Object, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return Object{}, fmt.Errorf("%w: compress object %s: %v", ErrCodec, id, err)
	}
	if err := zw.Close(); err != nil {
		return Object{}, fmt.Errorf("%w: compress object %s: %v", ErrCodec, id, err)
	}
	return Object{
		ID:         id,
		Type:       objectType,
		Content:    base64.StdEncoding.EncodeToString(buf.Bytes()),
		Compressed: true,
	}, nil
}

// Body returns the document content, decompressing it if needed.
func (o Object) Body() ([]byte, error) {
	if !o.Compressed {
		switch o.Encoding {
		case "":
			return []byte(o.Content), nil
		case EncodingBase64:
			raw, err := base64.StdEncoding.DecodeString(o.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: decode object %s: %v", ErrCodec, o.ID, err)
			}
			return raw, nil
		default:
			return nil, fmt.Errorf("%w: object %s has unknown encoding %q", ErrCodec, o.ID, o.Encoding)
		}
	}
	raw, err := base64.StdEncoding.DecodeString(o.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: decode object %s: %v", ErrCodec, o.ID, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress object %s: %v", ErrCodec, o.ID, err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress object %s: %v", ErrCodec, o.ID, err)
	}
	return body, nil
}

// Event is a catalog change notification.
type Event struct {
	ID          string    `json:"id"`
	Action      Action    `json:"action"`
	Actor       string    `json:"actor,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	TargetName  string    `json:"targetName,omitempty"`
	Objects     []Object  `json:"objects,omitempty"`
}

// New creates an event with a fresh id and the current time.
func New(action Action, actor, targetName string, objects ...Object) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Action:      action,
		Actor:       actor,
		PublishedAt: time.Now().UTC(),
		TargetName:  targetName,
		Objects:     objects,
	}
}

// WithObjects appends objects to the event.
func (e *Event) WithObjects(objects ...Object) *Event {
	e.Objects = append(e.Objects, objects...)
	return e
}

// Validate checks an event before it is published. Only known actions may
// be published.
func (e *Event) Validate() error {
	if err := e.validateEnvelope(); err != nil {
		return err
	}
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	return nil
}

// validateEnvelope checks the fields every consumer relies on. The action
// set is open on the consuming side.
func (e *Event) validateEnvelope() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidEvent)
	}
	for i, o := range e.Objects {
		if o.ID == "" {
			return fmt.Errorf("%w: object %d has no id", ErrInvalidEvent, i)
		}
	}
	return nil
}
