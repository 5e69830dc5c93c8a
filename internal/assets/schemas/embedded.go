// Package schemasassets holds JSON schemas compiled into the binary.
package schemasassets

import _ "embed"

// ProofPayloadSchema describes the document returned by the proof service.
//
//go:embed proof-payload.schema.json
var ProofPayloadSchema []byte
