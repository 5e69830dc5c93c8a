package prover

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/beaconproof/internal/assets/schemas"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SchemaViolation is one schema diagnostic for a proof payload.
type SchemaViolation struct {
	Pointer string
	Message string
}

func (v SchemaViolation) String() string {
	if v.Pointer == "" {
		return v.Message
	}
	return v.Pointer + ": " + v.Message
}

// SchemaError lists every violation found in a payload. It unwraps to
// ErrMalformedProof.
type SchemaError struct {
	Violations []SchemaViolation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s: %s", ErrMalformedProof, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error {
	return ErrMalformedProof
}

// ValidatePayload checks raw against the embedded proof-payload schema.
func ValidatePayload(raw []byte) error {
	v, err := payloadValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	var violations []SchemaViolation
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			violations = append(violations, SchemaViolation{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &SchemaError{Violations: violations}
}

func payloadValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ProofPayloadSchema) == 0 {
			validatorErr = fmt.Errorf("embedded proof-payload schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ProofPayloadSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile proof-payload schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
