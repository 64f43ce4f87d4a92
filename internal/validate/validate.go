package validate

import (
	"encoding/json"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates an object against the given schema source. The
// object is round-tripped through JSON first so maps decoded from TOML
// (int64 values and friends) validate the same as JSON-decoded ones.
func ValidateJSON(obj any, schemaSrc string) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", bytesReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	return sch.Validate(normalized)
}

// ValidateConfigMap validates a generic host-config map.
func ValidateConfigMap(m map[string]any) error {
	return ValidateJSON(m, configSchema)
}

// ValidateReleaseMap validates a generic release-descriptor map.
func ValidateReleaseMap(m map[string]any) error {
	return ValidateJSON(m, releaseSchema)
}

const configSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["hostnames"],
  "properties":{
    "state_dir":{"type":"string"},
    "hostnames":{
      "type":"object",
      "required":["public","admin"],
      "properties":{
        "public":{"type":"string","minLength":1},
        "admin":{"type":"string","minLength":1}
      }
    },
    "proxy":{
      "type":"object",
      "properties":{
        "http_port":{"type":"integer","minimum":1,"maximum":65535},
        "https_port":{"type":"integer","minimum":1,"maximum":65535},
        "admin_path":{"type":"string","pattern":"^/"}
      }
    },
    "app":{
      "type":"object",
      "properties":{
        "listen_port":{"type":"integer","minimum":1,"maximum":65535},
        "replicas":{"type":"integer","minimum":1},
        "memory_limit_mb":{"type":"integer","minimum":0}
      }
    },
    "database":{
      "type":"object",
      "properties":{
        "listen_port":{"type":"integer","minimum":1,"maximum":65535}
      }
    },
    "backup":{
      "type":"object",
      "properties":{
        "retention_days":{"type":"integer","minimum":1}
      }
    },
    "health":{
      "type":"object",
      "properties":{
        "max_restarts":{"type":"integer","minimum":1},
        "disk_warn_percent":{"type":"number","minimum":1,"maximum":100},
        "memory_warn_percent":{"type":"number","minimum":1,"maximum":100}
      }
    }
  }
}`

const releaseSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["version"],
  "properties":{
    "version":{"type":"string","minLength":1},
    "artifact_url":{"type":"string"},
    "sha256":{"type":"string","pattern":"^[0-9a-fA-F]{64}$"}
  }
}`

// Helper to provide io.ReadSeeker from string for the schema compiler.
func bytesReader(s string) *bytesReaderT { return &bytesReaderT{b: []byte(s)} }

type bytesReaderT struct {
	b []byte
	i int64
}

func (r *bytesReaderT) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.i:])
	r.i += int64(n)
	if r.i >= int64(len(r.b)) {
		return n, io.EOF
	}
	return n, nil
}

func (r *bytesReaderT) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case 0:
		r.i = off
	case 1:
		r.i += off
	case 2:
		r.i = int64(len(r.b)) + off
	}
	if r.i < 0 {
		r.i = 0
	}
	if r.i > int64(len(r.b)) {
		r.i = int64(len(r.b))
	}
	return r.i, nil
}
