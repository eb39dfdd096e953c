package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// connectionSchema is the structural contract for connection configs. Field
// presence per auth type is checked separately because it depends on the
// credential map, which never round-trips through JSON here.
const connectionSchema = `{
	"type": "object",
	"required": ["endpoint", "auth_type"],
	"properties": {
		"endpoint": {"type": "string", "pattern": "^https?://"},
		"auth_type": {"enum": ["api-key", "oauth2", "basic", "token", "certificate"]},
		"timeout": {"type": "integer", "minimum": 0},
		"retry_attempts": {"type": "integer", "minimum": 0, "maximum": 10},
		"retry_delay": {"type": "integer", "minimum": 0},
		"ssl_verify": {"type": "boolean"},
		"proxy": {"type": "string"},
		"custom_headers": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var compiledConnectionSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://fusion.schemas.local/connection-config.schema.json"
	if err := c.AddResource(url, strings.NewReader(connectionSchema)); err != nil {
		panic(fmt.Sprintf("connection schema load: %v", err))
	}
	return c.MustCompile(url)
}()

// requiredCredentials maps each auth type to the credential keys it needs.
var requiredCredentials = map[model.AuthType][]string{
	model.AuthAPIKey:      {"apiKey"},
	model.AuthBasic:       {"username", "password"},
	model.AuthToken:       {"token"},
	model.AuthOAuth2:      {"clientId", "clientSecret"},
	model.AuthCertificate: {"certificate", "privateKey"},
}

func validateConnectionConfig(cfg model.ConnectionConfig) error {
	// Credentials are checked by key below, never serialized into the
	// document handed to the schema validator.
	doc := map[string]any{
		"endpoint":  cfg.Endpoint,
		"auth_type": string(cfg.AuthType),
	}
	if cfg.Proxy != "" {
		doc["proxy"] = cfg.Proxy
	}
	if cfg.SSLVerify != nil {
		doc["ssl_verify"] = *cfg.SSLVerify
	}
	if len(cfg.CustomHeaders) > 0 {
		headers := make(map[string]any, len(cfg.CustomHeaders))
		for k, v := range cfg.CustomHeaders {
			headers[k] = v
		}
		doc["custom_headers"] = headers
	}
	if cfg.RetryAttempts != 0 {
		doc["retry_attempts"] = cfg.RetryAttempts
	}

	// The compiler wants plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fault.Wrap(fault.CodeValidation, "encode connection config", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fault.Wrap(fault.CodeValidation, "decode connection config", err)
	}
	if err := compiledConnectionSchema.Validate(generic); err != nil {
		return fault.Wrap(fault.CodeValidation, "connection config rejected", err)
	}

	required, ok := requiredCredentials[cfg.AuthType]
	if !ok {
		return fault.New(fault.CodeValidation, fmt.Sprintf("unknown auth type %q", cfg.AuthType))
	}
	for _, key := range required {
		if cfg.Credentials[key] == "" {
			return fault.New(fault.CodeValidation,
				fmt.Sprintf("auth type %s requires credential %q", cfg.AuthType, key))
		}
	}
	return nil
}
