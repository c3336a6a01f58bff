package command

import (
	"encoding/json"

	"github.com/kilnhq/kiln/internal/kerr"
)

// decodeArgs unmarshals raw into out. json.Unmarshal already ignores any
// key in raw that has no matching field in out, so unknown keys are
// silently stripped: nothing beyond out's declared fields ever reaches a
// store call.
func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return kerr.InvalidInputf("decoding args", err)
	}
	return nil
}

func requireString(field, v string) error {
	if v == "" {
		return kerr.InvalidInput(field + " is required")
	}
	return nil
}

func requirePositiveInt(field string, v int) error {
	if v <= 0 {
		return kerr.InvalidInput(field + " must be a positive integer")
	}
	return nil
}
