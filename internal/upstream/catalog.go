package upstream

import "fmt"

// Operation is a provider operation appended to the model path as
// "{model}:{operation}".
type Operation string

const (
	OpGenerate    Operation = "generateContent"
	OpStream      Operation = "streamGenerateContent"
	OpCountTokens Operation = "countTokens"
	OpEmbed       Operation = "embedContent"
	OpEmbedText   Operation = "embedText"
	OpListModels  Operation = "listModels" // model-independent
)

// UnsupportedOperationError is returned when a model/operation pair is not in
// the catalog, so unsupported combinations fail fast at the boundary instead
// of falling through to the provider.
type UnsupportedOperationError struct {
	Model string
	Op    Operation
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("model %q does not support operation %q", e.Model, e.Op)
}

var generationOps = []Operation{OpGenerate, OpStream, OpCountTokens}

// catalog is the closed enumeration of model -> supported operations.
var catalog = map[string][]Operation{
	"gemini-1.5-pro":      generationOps,
	"gemini-1.5-flash":    generationOps,
	"gemini-1.5-flash-8b": generationOps,
	"gemini-2.0-flash":    generationOps,
	"gemini-1.0-pro":      generationOps,
	"text-embedding-004":  {OpEmbed},
	"embedding-001":       {OpEmbedText}, // legacy surface only
}

// Supports validates a model/operation pair against the catalog.
func Supports(model string, op Operation) error {
	for _, supported := range catalog[model] {
		if supported == op {
			return nil
		}
	}
	return &UnsupportedOperationError{Model: model, Op: op}
}

// EmbedOperation selects the embedding operation for a model, preferring
// embedContent and falling back to the legacy embedText.
func EmbedOperation(model string) (Operation, error) {
	if err := Supports(model, OpEmbed); err == nil {
		return OpEmbed, nil
	}
	if err := Supports(model, OpEmbedText); err == nil {
		return OpEmbedText, nil
	}
	return "", &UnsupportedOperationError{Model: model, Op: OpEmbed}
}
