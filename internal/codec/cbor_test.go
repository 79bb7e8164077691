package codec

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	Name  string            `cbor:"1,keyasint"`
	Attrs map[string]string `cbor:"2,keyasint,omitempty"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{Name: "s", Attrs: map[string]string{"z": "1", "a": "2", "m": "3"}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := Marshal(v)
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal() produced different bytes for the same value")
		}
	}

	var got sample
	if err := Unmarshal(first, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_AnyUsesStringMaps(t *testing.T) {
	data, _ := Marshal(map[string]any{"k": map[string]any{"n": 1}})

	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	outer, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", got)
	}
	if _, ok := outer["k"].(map[string]any); !ok {
		t.Errorf("nested map decoded as %T", outer["k"])
	}
}
