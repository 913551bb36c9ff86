// Package models defines the shared data model for backup and restore runs.
package models

import "time"

// FieldDescriptor describes a single field on a CRM object.
type FieldDescriptor struct {
	Name             string   `json:"name"`
	Label            string   `json:"label"`
	Type             string   `json:"type"`
	ExternalID       bool     `json:"externalId"`
	ReferenceTo      []string `json:"referenceTo,omitempty"`
	RelationshipName string   `json:"relationshipName,omitempty"`
	Nillable         bool     `json:"nillable"`
	Createable       bool     `json:"createable"`
	Updateable       bool     `json:"updateable"`
}

// IsReference reports whether the field is a lookup to another object.
func (f *FieldDescriptor) IsReference() bool {
	return f.Type == "reference" && len(f.ReferenceTo) > 0
}

// ChildRelationship describes a child object holding a lookup to this object.
type ChildRelationship struct {
	ChildObject      string `json:"childSObject"`
	Field            string `json:"field"`
	RelationshipName string `json:"relationshipName,omitempty"`
}

// RecordTypeInfo describes a record type available on an object.
type RecordTypeInfo struct {
	ID            string `json:"recordTypeId"`
	Name          string `json:"name"`
	DeveloperName string `json:"developerName"`
}

// ObjectDescriptor is the cached describe result for one object.
type ObjectDescriptor struct {
	Name               string              `json:"name"`
	Label              string              `json:"label"`
	Queryable          bool                `json:"queryable"`
	Fields             []FieldDescriptor   `json:"fields"`
	ChildRelationships []ChildRelationship `json:"childRelationships,omitempty"`
	RecordTypes        []RecordTypeInfo    `json:"recordTypeInfos,omitempty"`
}

// FieldNames returns the names of all fields on the descriptor.
func (d *ObjectDescriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Field returns the descriptor for the named field, or nil.
func (d *ObjectDescriptor) Field(name string) *FieldDescriptor {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// TaskStatus is the lifecycle state of an ObjectTask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// ObjectTask is one object selected for backup, mutated by its worker.
type ObjectTask struct {
	ObjectName     string
	Descriptor     *ObjectDescriptor
	Status         TaskStatus
	SelectedFields []string // nil means all queryable fields
	WhereClause    string
	RecordLimit    int

	// Pipeline metrics, set by the worker.
	Records    int64
	Bytes      int64
	Duration   time.Duration
	ErrorMsg   string
	Warning    string
	Watermark  *time.Time
	CSVPath    string
	DeltaQuery bool
}

// RunKind distinguishes full from incremental backups.
type RunKind string

const (
	RunKindFull        RunKind = "FULL"
	RunKindIncremental RunKind = "INCREMENTAL"
)

// TargetKind identifies the sink variant a run wrote to.
type TargetKind string

const (
	TargetKindFile TargetKind = "file"
	TargetKindDB   TargetKind = "db"
)

// RunStatus is the terminal state of a BackupRun.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// ObjectBackupResult is the terminal record for one completed ObjectTask.
type ObjectBackupResult struct {
	ObjectName  string     `json:"object_name"`
	Status      TaskStatus `json:"status"`
	RecordCount int64      `json:"record_count"`
	ByteCount   int64      `json:"byte_count"`
	DurationMs  int64      `json:"duration_ms"`
	Watermark   string     `json:"last_modified_watermark,omitempty"` // ISO-8601 UTC
	ErrorMsg    string     `json:"error_message,omitempty"`
	Warning     string     `json:"warning,omitempty"`
	Hint        string     `json:"hint,omitempty"`
}

// BackupRun is the aggregate record for one orchestrated run.
type BackupRun struct {
	ID          string               `json:"id"`
	Username    string               `json:"username"`
	Kind        RunKind              `json:"kind"`
	TargetKind  TargetKind           `json:"target_kind"`
	Destination string               `json:"destination"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     time.Time            `json:"end_time"`
	Status      RunStatus            `json:"status"`
	Results     []ObjectBackupResult `json:"results"`
}

// CountByStatus returns the number of results with the given status.
func (r *BackupRun) CountByStatus(status TaskStatus) int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Status == status {
			n++
		}
	}
	return n
}

// Relationship is a discovered parent→child lookup edge.
type Relationship struct {
	ParentObject     string `json:"parentObject"`
	ChildObject      string `json:"object"`
	ParentField      string `json:"parentField"` // lookup field on the child
	RelationshipName string `json:"relationshipName,omitempty"`
	Depth            int    `json:"depth"`
	Priority         bool   `json:"priority"`
}

// RelatedBackupTask is a grouped child-object extract derived from the
// related-records post-pass.
type RelatedBackupTask struct {
	ChildObject  string
	ParentFields []string
	Where        string
	Depth        int
}
