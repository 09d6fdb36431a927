package session

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodePreservesSnapshot(t *testing.T) {
	now := time.UnixMilli(1_700_000_123_456)
	in := &Snapshot{
		ID:                  "sid-enc",
		CreationTime:        now.Add(-time.Hour),
		ThisAccessedTime:    now,
		LastAccessedTime:    now.Add(-time.Minute),
		MaxInactiveInterval: 30 * time.Minute,
		New:                 true,
		Valid:               true,
		Version:             9,
		SSOID:               "sso-1",
		PrincipalName:       "ann",
		Attributes: map[string]any{
			"name":  "ann",
			"count": 42,
			"cart":  map[string]any{"sku": "a-1", "qty": 2},
		},
	}

	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.ID != in.ID || out.SSOID != in.SSOID || out.PrincipalName != in.PrincipalName {
		t.Fatalf("string fields differ: %+v", out)
	}
	if !out.CreationTime.Equal(in.CreationTime) || !out.ThisAccessedTime.Equal(in.ThisAccessedTime) || !out.LastAccessedTime.Equal(in.LastAccessedTime) {
		t.Fatalf("times differ: %+v", out)
	}
	if out.MaxInactiveInterval != in.MaxInactiveInterval || out.Version != 9 || !out.New || !out.Valid {
		t.Fatalf("scalar fields differ: %+v", out)
	}
	if out.Attributes["name"] != "ann" {
		t.Fatalf("expected name attribute, got %v", out.Attributes["name"])
	}
	if out.Attributes["count"] != int64(42) {
		t.Fatalf("expected count decoded as int64, got %T %v", out.Attributes["count"], out.Attributes["count"])
	}
	cart, ok := out.Attributes["cart"].(map[string]any)
	if !ok || cart["sku"] != "a-1" {
		t.Fatalf("expected nested map, got %#v", out.Attributes["cart"])
	}
}

func TestEncodeZeroTimesAndEmptyAttributes(t *testing.T) {
	raw, err := Encode(&Snapshot{ID: "sid-empty"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.CreationTime.IsZero() || !out.ThisAccessedTime.IsZero() {
		t.Fatalf("expected zero times to survive, got %+v", out)
	}
	if out.Attributes == nil || len(out.Attributes) != 0 {
		t.Fatalf("expected empty non-nil attributes, got %#v", out.Attributes)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid, err := Encode(&Snapshot{ID: "sid", Attributes: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string][]byte{
		"empty":           {},
		"unknown version": {99},
		"truncated":       valid[:len(valid)-3],
		"header only":     valid[:5],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
		})
	}
}

// FuzzSnapshotDecode checks that arbitrary input never panics the decoder.
func FuzzSnapshotDecode(f *testing.F) {
	encoded, err := Encode(&Snapshot{
		ID:               "sid-fuzz",
		ThisAccessedTime: time.UnixMilli(1_700_000_000_000),
		Valid:            true,
		Attributes:       map[string]any{"a": 1, "b": []any{"x", 2}},
	})
	if err == nil {
		f.Add(encoded)
		f.Add(encoded[:len(encoded)/2])
	}
	f.Add([]byte{})
	f.Add([]byte{1})
	f.Add([]byte{1, 255, 255})

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := Decode(data)
		if err != nil {
			return
		}
		if _, err := Encode(s); err != nil {
			t.Fatalf("re-encode of decoded snapshot failed: %v", err)
		}
	})
}
