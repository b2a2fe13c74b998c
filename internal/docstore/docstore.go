// Package docstore reads and writes the small versioned JSON documents the
// proxy keeps on disk (cache index, cookie table).
package docstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"github.com/edgegrid/ponyproxy/storage"
)

// Version is the schema version written by this package.
const Version = 1

// ErrMalformed is returned for documents that are not valid JSON.
var ErrMalformed = errors.New("docstore: malformed document")

// Encode wraps payload as {"version":Version, field:payload}.
func Encode(field string, payload any) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, `{"version":%d,%q:`, Version, field)
	b.Write(body)
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Decode fills out from data. Versioned documents are read from field;
// documents without a version are treated as the bare payload.
// Empty documents leave out untouched.
func Decode(data []byte, field string, out any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return ErrMalformed
	}

	if v := gjson.GetBytes(data, "version"); v.Exists() {
		if v.Int() > Version {
			return fmt.Errorf("docstore: unsupported version %d", v.Int())
		}
		payload := gjson.GetBytes(data, field)
		if !payload.Exists() || payload.Type == gjson.Null {
			return nil
		}
		return sonic.UnmarshalString(payload.Raw, out)
	}
	return sonic.Unmarshal(data, out)
}

// Load reads name from folder into out. A missing file is not an error.
func Load(folder storage.Folder, name, field string, out any) error {
	data, err := folder.ReadFile(name)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil
		}
		return err
	}
	return Decode(data, field, out)
}

// Save encodes payload and replaces name in folder.
func Save(folder storage.Folder, name, field string, payload any) error {
	data, err := Encode(field, payload)
	if err != nil {
		return err
	}
	return folder.WriteFile(name, data)
}
