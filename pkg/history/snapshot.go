package history

import (
	"encoding/base64"

	"github.com/statorio/stator/pkg/core"
)

// EncodeSnapshot serializes a value to base64-encoded JSON for storage in a
// history record. Nil values encode to the empty string.
func EncodeSnapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}

	data, err := core.JSONEncode(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSnapshot reverses EncodeSnapshot into v. Empty snapshots leave v
// untouched.
func DecodeSnapshot(s string, v interface{}) error {
	if s == "" {
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return core.WrapError(core.CodeInvalidInput, "snapshot is not base64", err)
	}
	return core.JSONDecode(data, v)
}
