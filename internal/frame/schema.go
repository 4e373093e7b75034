package frame

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// registry compiles every method's params schema once, on first use.
// Grounded on the once.Do compile-on-first-use pattern used for the
// WebSocket request envelope schema elsewhere in this codebase.
type registry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var reg registry

func initSchemas() error {
	reg.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("frame_request", requestEnvelopeSchema)
		if err != nil {
			reg.initErr = err
			return
		}
		reg.request = reqSchema

		reg.methods = make(map[string]*jsonschema.Schema, len(methodParamSchemas))
		for name, schema := range methodParamSchemas {
			compiled, err := jsonschema.CompileString("frame_method_"+name, schema)
			if err != nil {
				reg.initErr = fmt.Errorf("compile schema for %s: %w", name, err)
				return
			}
			reg.methods[name] = compiled
		}
	})
	return reg.initErr
}

// KnownMethods reports every method name this registry knows a schema for.
func KnownMethods() []string {
	_ = initSchemas()
	out := make([]string, 0, len(methodParamSchemas))
	for name := range methodParamSchemas {
		out = append(out, name)
	}
	return out
}

// ValidateRequest validates a raw request frame against the envelope
// schema, then against the method-specific params schema if one is
// registered for frame.Method. Methods with no registered schema are
// accepted unvalidated (e.g. ping-style no-arg calls).
func ValidateRequest(raw []byte, f *Frame) error {
	if err := initSchemas(); err != nil {
		return ErrSchemaNotInitialized
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := reg.request.Validate(payload); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("frame: missing frame")
	}
	schema := reg.methods[f.Method]
	if schema == nil {
		return nil
	}
	var params any
	if len(f.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(f.Params, &params); err != nil {
		return err
	}
	return schema.Validate(params)
}

const requestEnvelopeSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const genericObjectSchema = `{
  "type": "object",
  "additionalProperties": true
}`

func requireFields(fields ...string) string {
	quoted := make([]byte, 0, 64)
	quoted = append(quoted, '[')
	for i, f := range fields {
		if i > 0 {
			quoted = append(quoted, ',')
		}
		quoted = append(quoted, '"')
		quoted = append(quoted, f...)
		quoted = append(quoted, '"')
	}
	quoted = append(quoted, ']')
	return fmt.Sprintf(`{"type":"object","required":%s,"additionalProperties":true}`, quoted)
}

// methodParamSchemas maps every dispatcher method to its params schema.
// Methods absent from this map accept any object (dispatched handlers do
// their own deeper validation where JSON Schema alone can't express it).
var methodParamSchemas = map[string]string{
	"connect": `{
		"type": "object",
		"required": ["minProtocol", "maxProtocol", "client"],
		"properties": {
			"minProtocol": { "type": "integer", "minimum": 1 },
			"maxProtocol": { "type": "integer", "minimum": 1 },
			"client": {
				"type": "object",
				"required": ["id", "role"],
				"properties": {
					"id": { "type": "string", "minLength": 1 },
					"role": { "type": "string", "enum": ["operator", "node"] },
					"platform": { "type": "string" },
					"mode": { "type": "string" },
					"instanceId": { "type": "string" }
				},
				"additionalProperties": true
			},
			"auth": {
				"type": "object",
				"properties": { "token": { "type": "string" } },
				"additionalProperties": true
			},
			"caps": { "type": "array", "items": { "type": "string" } }
		},
		"additionalProperties": true
	}`,
	"health":           genericObjectSchema,
	"system-presence":  genericObjectSchema,

	"chat.send": `{
		"type": "object",
		"required": ["sessionKey", "content"],
		"properties": {
			"sessionKey": { "type": "string", "minLength": 1 },
			"content": { "type": "string", "minLength": 1 },
			"idempotencyKey": { "type": "string" }
		},
		"additionalProperties": true
	}`,
	"chat.cancel": requireFields("sessionKey", "runId"),
	"chat.resend": requireFields("sessionKey"),

	"session.list":    genericObjectSchema,
	"session.preview":  requireFields("sessionKey"),
	"session.resolve": requireFields("sessionKey"),
	"session.patch":   requireFields("sessionKey"),
	"session.reset":   requireFields("sessionKey"),
	"session.delete":  requireFields("sessionKey"),
	"session.search":  requireFields("query"),
	"session.compact": requireFields("sessionKey"),

	"mcp.list":    genericObjectSchema,
	"mcp.add":     requireFields("name", "command"),
	"mcp.remove":  requireFields("name"),
	"mcp.enable":  requireFields("name"),
	"mcp.disable": requireFields("name"),
	"mcp.status":  requireFields("name"),
	"mcp.tools":   requireFields("name"),
	"mcp.restart": requireFields("name"),
	"mcp.update":  requireFields("name"),

	"cron.list":   genericObjectSchema,
	"cron.add":    requireFields("name", "schedule", "payload"),
	"cron.update": requireFields("id"),
	"cron.remove": requireFields("id"),
	"cron.run":    requireFields("id"),
	"cron.runs":   requireFields("id"),
	"cron.status": requireFields("id"),

	"node.list":          genericObjectSchema,
	"node.describe":      requireFields("nodeId"),
	"node.rename":        requireFields("nodeId", "name"),
	"node.invoke":        requireFields("nodeId", "method"),
	"node.invoke.result": requireFields("requestId"),
	"node.event":         requireFields("nodeId", "event"),

	"node.pair.request": requireFields("nodeId"),
	"node.pair.approve": requireFields("requestId"),
	"node.pair.reject":  requireFields("requestId"),
	"node.pair.list":    genericObjectSchema,
	"node.pair.verify":  requireFields("requestId", "code"),

	"device.pair.request": genericObjectSchema,
	"device.pair.approve": requireFields("requestId"),
	"device.pair.reject":  requireFields("requestId"),
	"device.token.rotate": requireFields("clientId"),
	"device.token.revoke": requireFields("clientId"),

	"exec.approval.resolve": requireFields("requestId", "decision"),
	"location.result":       requireFields("requestId"),

	"vault.init":            requireFields("password"),
	"vault.unseal":          requireFields("password"),
	"vault.seal":            genericObjectSchema,
	"vault.status":          genericObjectSchema,
	"vault.change-password": requireFields("oldPassword", "newPassword"),
	"vault.rotate-key":      requireFields("password"),
}
