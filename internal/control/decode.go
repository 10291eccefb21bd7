package control

import (
	"encoding/json"
	"errors"
)

// DecodeData unmarshals a Response's Data field into T. Data arrives from
// the wire as a map[string]interface{} (json.Unmarshal's default for an
// `any`-typed field), so this round-trips it through JSON rather than
// attempting a direct type assertion. The payload is decoded even for a
// failed Response, since typed rejections (e.g. a RegisterResponse with a
// Rejected reason) ride on Data; the returned error then reflects the
// failure.
func DecodeData[T any](resp Response) (T, error) {
	var out T
	if resp.Data != nil {
		b, err := json.Marshal(resp.Data)
		if err != nil {
			return out, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, err
		}
	}
	if !resp.OK {
		return out, errors.New(resp.Error)
	}
	return out, nil
}
