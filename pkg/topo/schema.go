package topo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// configSchema is the published JSON-schema for a munet configuration file.
// It is generated once from the data model in this package and embedded
// here as a Go literal so the validator ships with the binary; there is no
// external schema file to go stale.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["topology"],
  "properties": {
    "version": {"type": "string"},
    "kinds": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/kind"}
    },
    "topology": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "networks-autonumber": {"type": "boolean"},
        "ipv6-enable": {"type": "boolean"},
        "networks": {
          "type": "array",
          "items": {"$ref": "#/definitions/network"}
        },
        "nodes": {
          "type": "array",
          "items": {"$ref": "#/definitions/node"}
        }
      }
    },
    "cli": {
      "type": "array",
      "items": {"$ref": "#/definitions/clicommand"}
    }
  },
  "definitions": {
    "network": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "ip": {"type": "string"}
      }
    },
    "constraints": {
      "type": "object",
      "properties": {
        "delay": {"type": "string"},
        "jitter": {"type": "string"},
        "jitter-correlation": {"type": "number"},
        "loss": {"type": "number"},
        "loss-correlation": {"type": "number"},
        "rate": {
          "type": "object",
          "properties": {
            "rate": {"type": "string"},
            "limit": {"type": "string"},
            "burst": {"type": "string"}
          }
        }
      },
      "dependencies": {
        "jitter": ["delay"],
        "jitter-correlation": ["jitter"],
        "loss-correlation": ["loss"]
      }
    },
    "connection": {
      "type": "object",
      "properties": {
        "to": {"type": "string"},
        "hostintf": {"type": "string"},
        "physical": {"type": "string"},
        "name": {"type": "string"},
        "remote-name": {"type": "string"},
        "ip": {"type": "string"},
        "mtu": {"type": "integer"},
        "intf-constraints": {"$ref": "#/definitions/constraints"}
      }
    },
    "kind": {
      "type": "object",
      "properties": {
        "image": {"type": "string"},
        "cmd": {"type": "string"},
        "cleanup-cmd": {"type": "string"},
        "cap-add": {"type": "array", "items": {"type": "string"}},
        "cap-remove": {"type": "array", "items": {"type": "string"}},
        "privileged": {"type": "boolean"},
        "connections": {"type": "array", "items": {"$ref": "#/definitions/connection"}},
        "merge": {"type": "array", "items": {"type": "string"}}
      }
    },
    "node": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "id": {"type": "integer"},
        "kind": {"type": "string"},
        "image": {"type": "string"},
        "cmd": {"type": "string"},
        "cleanup-cmd": {"type": "string"},
        "privileged": {"type": "boolean"},
        "connections": {"type": "array", "items": {"$ref": "#/definitions/connection"}},
        "qemu": {
          "type": "object",
          "properties": {
            "kernel": {"type": "string"},
            "memory": {"type": "integer"},
            "cpus": {"type": "integer"}
          }
        }
      }
    },
    "clicommand": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "format": {"type": "string"},
        "help": {"type": "string"},
        "kinds": {"type": "array", "items": {"type": "string"}},
        "new-window": {"type": "boolean"},
        "top-level": {"type": "boolean"},
        "interactive": {"type": "boolean"},
        "exec": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateSchema checks data (in the given encoding: "json", "yaml", or
// "toml") against the published schema. YAML and TOML are normalised to
// JSON first since gojsonschema only understands JSON documents (§4.1).
func ValidateSchema(data []byte, encoding string) error {
	jsonData, err := normalizeToJSON(data, encoding)
	if err != nil {
		return fmt.Errorf("normalize %s for schema check: %w", encoding, err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range result.Errors() {
		fmt.Fprintf(&buf, "- %s\n", e.String())
	}
	return fmt.Errorf("schema violations:\n%s", buf.String())
}

func normalizeToJSON(data []byte, encoding string) ([]byte, error) {
	if encoding == "json" {
		return data, nil
	}

	var generic interface{}
	var err error
	switch encoding {
	case "yaml":
		err = yaml.Unmarshal(data, &generic)
	case "toml":
		err = toml.Unmarshal(data, &generic)
	default:
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	generic = stringifyMapKeys(generic)
	return json.Marshal(generic)
}

// stringifyMapKeys converts map[interface{}]interface{} (as yaml.v3's older
// sibling decoders can produce for nested generic maps) into
// map[string]interface{} so encoding/json can marshal it.
func stringifyMapKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = stringifyMapKeys(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = stringifyMapKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = stringifyMapKeys(val)
		}
		return out
	default:
		return v
	}
}
