// Package codec encodes values stored in remote caches and published on the
// bus.
package codec

import "encoding/json"

// Codec defines methods for encoding and decoding values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON implements Codec using encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Default is the codec used when none is configured.
var Default Codec = JSON{}
