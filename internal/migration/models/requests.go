package models

// CreateJobRequest is the POST /migration/jobs payload.
type CreateJobRequest struct {
	Name             string            `json:"name"`
	Type             JobType           `json:"type"`
	Source           SourceConfig      `json:"source"`
	Destination      DestinationConfig `json:"destination"`
	Mapping          []FieldMapping    `json:"mapping"`
	Options          MigrationOptions  `json:"options"`
	Reconcile        ReconcileSettings `json:"reconcile"`
	SchemaName       string            `json:"schemaName,omitempty"`
	PreserveUnmapped bool              `json:"preserveUnmapped,omitempty"`
	Strict           bool              `json:"strictTransforms,omitempty"`
}

// Config assembles the immutable job config from the request.
func (r CreateJobRequest) Config() MigrationConfig {
	return MigrationConfig{
		Source:           r.Source,
		Destination:      r.Destination,
		Mapping:          r.Mapping,
		Options:          r.Options,
		Reconcile:        r.Reconcile,
		SchemaName:       r.SchemaName,
		PreserveUnmapped: r.PreserveUnmapped,
		StrictTransforms: r.Strict,
	}
}

// ValidateBatchRequest is the POST /migration/validate payload.
type ValidateBatchRequest struct {
	SchemaName string   `json:"schemaName,omitempty"`
	Records    []Record `json:"records"`
}

// ValidateSingleRequest is the POST /migration/validate/single payload.
type ValidateSingleRequest struct {
	SchemaName string `json:"schemaName,omitempty"`
	Record     Record `json:"record"`
}
