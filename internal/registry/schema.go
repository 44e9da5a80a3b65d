package registry

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskmesh/backend/internal/protocol"
)

// manifestSchema constrains the optional capability manifest an agent may
// attach at registration: per-capability pricing hints and endpoint metadata
// consumed by off-ledger matchers, never by the protocol itself.
const manifestSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"properties": {
			"price":       {"type": "integer", "minimum": 0},
			"endpoint":    {"type": "string"},
			"description": {"type": "string"}
		},
		"additionalProperties": false
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString(
	"https://taskmesh.dev/schemas/capability-manifest", manifestSchema)

// ValidateManifest checks a capability manifest document against the
// embedded schema. Invalid documents reject the registration outright.
func ValidateManifest(raw json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err, "capability manifest is not valid JSON")
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err, "capability manifest rejected")
	}
	return nil
}
