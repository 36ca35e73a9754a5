package canonicalize

import (
	"encoding/json"
	"testing"
)

// FuzzPayloadHash checks that a payload's content hash depends only on its
// JSON value: re-encoding through a Go map (which loses key order and
// spacing) must not change it.
func FuzzPayloadHash(f *testing.F) {
	f.Add([]byte(`{"suite_id":"core","version":"1.0.0"}`))
	f.Add([]byte(`{"version":"1.0.0","suite_id":"core"}`))
	f.Add([]byte(`{"checks":[{"check_id":"build"},{"check_id":"unit"}],"environment":{"os":"linux"}}`))
	f.Add([]byte(`{"rationale":"<tracked> & approved","expires_at":null}`))
	f.Add([]byte(`{"n":1e3,"m":0.5,"z":-0}`))
	f.Add([]byte(`{"title":"こんにちは 🚀","d":"line1\nline2"}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v map[string]interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("not a JSON object")
		}
		direct, err := Transform(data)
		if err != nil {
			return
		}
		viaMap, err := JCS(v)
		if err != nil {
			return
		}
		if string(direct) != string(viaMap) {
			t.Fatalf("canonical forms differ:\n  raw: %s\n  map: %s", direct, viaMap)
		}
		if ContentHash(direct) != ContentHash(viaMap) {
			t.Fatal("content hash depends on encoding")
		}
		if !IsContentHash(ContentHash(direct)) {
			t.Fatalf("malformed hash %q", ContentHash(direct))
		}
	})
}

func FuzzTransformIdempotent(f *testing.F) {
	f.Add([]byte(`{"key":"value"}`))
	f.Add([]byte(`{"a":1,"c":3,"b":2}`))
	f.Add([]byte(`[1e3,0.5,-0]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		if !json.Valid(data) {
			t.Skip("invalid JSON")
		}
		once, err := Transform(data)
		if err != nil {
			return
		}
		twice, err := Transform(once)
		if err != nil {
			t.Fatalf("canonical output rejected: %s", once)
		}
		if string(once) != string(twice) {
			t.Errorf("Transform not idempotent: %q vs %q", once, twice)
		}
	})
}
