package ports

// SchemaRegistry manages JSON schemas for documents the runtime validates.
type SchemaRegistry interface {
	// Register adds a schema generated from a Go struct.
	Register(kind string, model any) error

	// GetSchema retrieves the JSON Schema for a document kind.
	GetSchema(kind string) (string, bool)

	// List returns all registered document kinds.
	List() []string
}
