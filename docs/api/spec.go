// Package apidocs embeds the custody HTTP API OpenAPI document for runtime
// distribution.
package apidocs

import _ "embed"

// CustodyAPISpec contains the OpenAPI document for the custody HTTP API.
//
//go:embed custody-api.yaml
var CustodyAPISpec []byte

// Spec returns a defensive copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), CustodyAPISpec...)
}
