package event

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"catlock"
)

// ============================================================================
// Envelope
// ============================================================================

func TestNew(t *testing.T) {
	before := time.Now().UTC()
	e := New(ActionAdd, "alice", "Object 1", NewObject("o-1", "CULTURAL_OBJECT", []byte(`{"a":1}`)))

	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.PublishedAt.Before(before) {
		t.Errorf("publishedAt %v before creation %v", e.PublishedAt, before)
	}
	if len(e.Objects) != 1 || e.Objects[0].ID != "o-1" {
		t.Errorf("unexpected objects %+v", e.Objects)
	}
	if New(ActionAdd, "", "").ID == e.ID {
		t.Error("ids must be unique")
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions() {
		if got, err := ParseAction(a.String()); err != nil || got != a {
			t.Errorf("ParseAction(%q) = %q, %v", a, got, err)
		}
	}
	if _, err := ParseAction("PURGE"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name string
		e    Event
		want error
	}{
		{"valid", Event{ID: "e-1", Action: ActionUpdate}, nil},
		{"missing id", Event{Action: ActionUpdate}, ErrInvalidEvent},
		{"unknown action", Event{ID: "e-1", Action: "MOVE"}, ErrUnknownAction},
		{"object without id", Event{ID: "e-1", Action: ActionAdd, Objects: []Object{{Type: "X"}}}, ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.e.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestObject_CompressedBody(t *testing.T) {
	content := bytes.Repeat([]byte("<record>catalog entry</record>"), 200)
	o, err := NewCompressedObject("o-1", "DESCRIPTION", content)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !o.Compressed {
		t.Fatal("expected compressed flag")
	}
	if len(o.Content) >= len(content) {
		t.Errorf("compressed content (%d) not smaller than original (%d)", len(o.Content), len(content))
	}
	body, err := o.Body()
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if !bytes.Equal(body, content) {
		t.Error("decompressed body differs from original")
	}
}

func TestObject_BinaryContentSurvivesCodec(t *testing.T) {
	content := []byte{0xff, 0xfe, 0x00, 0x61}
	o := NewObject("o-1", "IMPORT_JOB", content)
	if o.Encoding != EncodingBase64 {
		t.Fatalf("expected base64 encoding for binary content, got %q", o.Encoding)
	}

	data, err := Marshal(New(ActionImport, "importer", "batch", o))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body, err := decoded.Objects[0].Body()
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if !bytes.Equal(body, content) {
		t.Errorf("body = %x, want %x", body, content)
	}

	text := NewObject("o-2", "DESCRIPTION", []byte("Maske, Holz"))
	if text.Encoding != "" || text.Content != "Maske, Holz" {
		t.Errorf("text content should stay readable, got %+v", text)
	}
}

func TestObject_CorruptBody(t *testing.T) {
	if _, err := (Object{ID: "o-1", Content: "%%", Encoding: EncodingBase64}).Body(); !errors.Is(err, ErrCodec) {
		t.Errorf("expected ErrCodec for broken base64, got %v", err)
	}
	if _, err := (Object{ID: "o-1", Content: "x", Encoding: "hex"}).Body(); !errors.Is(err, ErrCodec) {
		t.Errorf("expected ErrCodec for unknown encoding, got %v", err)
	}

	o := Object{ID: "o-1", Content: "not base64!", Compressed: true}
	if _, err := o.Body(); !errors.Is(err, ErrCodec) {
		t.Errorf("expected ErrCodec, got %v", err)
	}
	o = Object{ID: "o-1", Content: "aGVsbG8=", Compressed: true}
	if _, err := o.Body(); !errors.Is(err, ErrCodec) {
		t.Errorf("expected ErrCodec for non-gzip payload, got %v", err)
	}
}

// ============================================================================
// Codec
// ============================================================================

func TestMarshal_WireFormat(t *testing.T) {
	e := &Event{
		ID:          "e-1",
		Action:      ActionDelete,
		Actor:       "alice",
		PublishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TargetName:  "Catalog A",
		Objects:     []Object{{ID: "c-1", Type: "CATALOG", Tags: []string{"archive"}}},
	}
	data, err := Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"id":"e-1"`, `"action":"DELETE"`, `"actor":"alice"`,
		`"publishedAt":"2024-05-01T12:00:00Z"`, `"targetName":"Catalog A"`, `"tags":["archive"]`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("encoded event %s lacks %s", data, field)
		}
	}
	if strings.Contains(string(data), "compressed") {
		t.Errorf("false compressed flag should be omitted: %s", data)
	}
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	if _, err := Marshal(nil); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent for nil, got %v", err)
	}
	if _, err := Marshal(&Event{Action: ActionAdd}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"id":"e-9","action":"REINDEX","publishedAt":"2024-05-01T12:00:00Z",
		"schemaVersion":3,"objects":[{"id":"o-1","type":"CULTURAL_OBJECT","checksum":"abc"}]}`)
	e, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.ID != "e-9" || e.Action != ActionReindex || len(e.Objects) != 1 {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"id":`)); !errors.Is(err, ErrCodec) {
		t.Errorf("expected ErrCodec, got %v", err)
	}
	if _, err := Unmarshal([]byte(`{"id":"e-1"}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent without action, got %v", err)
	}
}

func TestUnmarshal_AcceptsUnknownActions(t *testing.T) {
	e, err := Unmarshal([]byte(`{"id":"e-1","action":"ARCHIVE","extra":1}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Action != "ARCHIVE" || e.Action.Known() {
		t.Errorf("expected unknown action ARCHIVE, got %q (known=%v)", e.Action, e.Action.Known())
	}
	// Publishing stays restricted to known actions.
	if _, err := Marshal(e); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction on marshal, got %v", err)
	}
}

// Property: decoding an encoded event yields the same event.
func TestProperty_CodecPreservesEvent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		objects := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Object {
			return Object{
				ID:   rapid.StringMatching(`[a-z]{1,8}-[0-9]{1,4}`).Draw(t, "id"),
				Type: rapid.SampledFrom([]string{"CULTURAL_OBJECT", "DESCRIPTION", "CATALOG"}).Draw(t, "type"),
				Name: rapid.String().Draw(t, "name"),
			}
		}), 0, 5).Draw(t, "objects")
		e := &Event{
			ID:          rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "eventID"),
			Action:      rapid.SampledFrom(Actions()).Draw(t, "action"),
			Actor:       rapid.String().Draw(t, "actor"),
			PublishedAt: time.Unix(rapid.Int64Range(0, 1<<32).Draw(t, "ts"), 0).UTC(),
			Objects:     objects,
		}

		data, err := Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != e.ID || got.Action != e.Action || got.Actor != e.Actor || !got.PublishedAt.Equal(e.PublishedAt) {
			t.Fatalf("header changed: %+v vs %+v", got, e)
		}
		if len(got.Objects) != len(e.Objects) {
			t.Fatalf("objects changed: %d vs %d", len(got.Objects), len(e.Objects))
		}
		for i := range e.Objects {
			if got.Objects[i].ID != e.Objects[i].ID || got.Objects[i].Name != e.Objects[i].Name {
				t.Fatalf("object %d changed: %+v vs %+v", i, got.Objects[i], e.Objects[i])
			}
		}
	})
}

// ============================================================================
// Topics
// ============================================================================

func TestTopics_TopicFor(t *testing.T) {
	topics := DefaultTopics("catalog.")
	tests := []struct {
		tt   catlock.TargetType
		want string
	}{
		{catlock.TargetCulturalObject, "catalog.culture-object"},
		{catlock.TargetDigitalization, "catalog.culture-object"},
		{catlock.TargetDescription, "catalog.description"},
		{catlock.TargetCatalog, "catalog.catalog"},
		{catlock.TargetImportJob, "catalog.import-job"},
	}
	for _, tt := range tests {
		got, err := topics.TopicFor(tt.tt)
		if err != nil || got != tt.want {
			t.Errorf("TopicFor(%s) = %q, %v; want %q", tt.tt, got, err, tt.want)
		}
	}
	if _, err := topics.TopicFor("MAP"); !errors.Is(err, catlock.ErrInvalidTargetType) {
		t.Errorf("expected ErrInvalidTargetType, got %v", err)
	}
}

func TestTopics_Unconfigured(t *testing.T) {
	topics := Topics{CultureObject: "objects"}
	if _, err := topics.Category(CategoryCatalog); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected error for unconfigured topic, got %v", err)
	}
	if _, err := topics.Category("films"); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected error for unknown category, got %v", err)
	}
	if all := topics.All(); len(all) != 1 || all[0] != "objects" {
		t.Errorf("unexpected topics %v", all)
	}
}
