package sagabus

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when inbound bytes are not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Inspector turns raw bytes into a View that discriminators query. Each
// wire format needs its own Inspector.
type Inspector interface {
	Inspect(raw []byte) (View, error)
}

// View gives discriminators read access to fields of a raw message.
type View interface {
	// HasField reports whether path exists.
	HasField(path string) bool

	// GetString returns the string at path. It reports false when the
	// path is missing or holds another type.
	GetString(path string) (string, bool)

	// GetBytes returns the raw encoded value at path.
	GetBytes(path string) ([]byte, bool)
}

// JSONInspector returns an Inspector backed by gjson paths.
func JSONInspector() Inspector {
	return jsonInspector{}
}

type jsonInspector struct{}

func (jsonInspector) Inspect(raw []byte) (View, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	return jsonView{raw: raw}, nil
}

type jsonView struct {
	raw []byte
}

func (v jsonView) get(path string) (gjson.Result, bool) {
	r := gjson.GetBytes(v.raw, path)
	return r, r.Exists()
}

func (v jsonView) HasField(path string) bool {
	_, ok := v.get(path)
	return ok
}

func (v jsonView) GetString(path string) (string, bool) {
	r, ok := v.get(path)
	if !ok || r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

func (v jsonView) GetBytes(path string) ([]byte, bool) {
	r, ok := v.get(path)
	if !ok {
		return nil, false
	}
	return []byte(r.Raw), true
}
