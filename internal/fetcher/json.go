package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONObject decodes a single JSON document. Numbers decode as json.Number.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}
