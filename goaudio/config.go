package goaudio

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eluv-io/errors-go"
)

// LoadParams reads session parameters from a YAML or JSON file. Fields absent
// from the file keep the defaults of NewParams. The result is not validated
// so that command line flags can still override it.
func LoadParams(path string) (*Params, error) {
	e := errors.Template("LoadParams", errors.K.Invalid, "path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, e(err, "reason", "open failed")
	}
	defer f.Close()

	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	p, err := LoadParamsFromReader(f, isJSON)
	if err != nil {
		return nil, e(err)
	}
	return p, nil
}

// LoadParamsFromReader decodes session parameters from r. Unknown fields are rejected.
func LoadParamsFromReader(r io.Reader, isJSON bool) (*Params, error) {
	p := NewParams()
	if isJSON {
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil && err != io.EOF {
			return nil, errors.E("LoadParamsFromReader", errors.K.Invalid, err, "reason", "decode json")
		}
		return p, nil
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && err != io.EOF {
		return nil, errors.E("LoadParamsFromReader", errors.K.Invalid, err, "reason", "decode yaml")
	}
	return p, nil
}
