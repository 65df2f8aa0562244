package models

import "time"

// Operation is the change kind recorded on a finding.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	// OperationDelete is part of the record schema but no code path produces it.
	OperationDelete Operation = "delete"
)

// Valid reports whether o is one of the enumerated operations.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// FindingRecord is one detected sensitive-data occurrence as persisted in the store.
// ID is the partition key and is minted fresh for every record, so reprocessing the
// same source text produces new records rather than overwriting earlier ones.
type FindingRecord struct {
	ID                   string     `json:"id" bson:"_id" dynamodbav:"id" validate:"required"`
	Subscription         string     `json:"subscription" bson:"subscription" dynamodbav:"subscription"`
	ResourceGroup        string     `json:"resourceGroup" bson:"resourceGroup" dynamodbav:"resourceGroup"`
	StorageAreaName      string     `json:"storageAreaName" bson:"storageAreaName" dynamodbav:"storageAreaName"`
	StorageAreaContainer string     `json:"storageAreaContainer" bson:"storageAreaContainer" dynamodbav:"storageAreaContainer"`
	FileName             string     `json:"fileName" bson:"fileName" dynamodbav:"fileName" validate:"required"`
	Operation            Operation  `json:"operation" bson:"operation" dynamodbav:"operation" validate:"required,oneof=insert update delete"`
	FieldName            string     `json:"fieldName" bson:"fieldName" dynamodbav:"fieldName"`
	FieldType            string     `json:"fieldType" bson:"fieldType" dynamodbav:"fieldType"`
	SourceLastModified   *time.Time `json:"sourceLastModified,omitempty" bson:"sourceLastModified,omitempty" dynamodbav:"sourceLastModified,omitempty"`
}

// Provenance identifies where a batch of findings came from.
type Provenance struct {
	Subscription         string
	ResourceGroup        string
	StorageAreaName      string
	StorageAreaContainer string
	FileName             string
	LastModified         *time.Time
}

// DefaultProvenance labels findings produced from the template's bundled sample text
// when no object pool is configured.
var DefaultProvenance = Provenance{
	Subscription:         "LanguageSubscription",
	ResourceGroup:        "LanguageRG",
	StorageAreaName:      "LanguageStorage",
	StorageAreaContainer: "Container",
	FileName:             "FromLanguage",
}

// FindingFilter narrows a findings query. Empty fields match everything.
type FindingFilter struct {
	Subscription         string
	ResourceGroup        string
	StorageAreaName      string
	StorageAreaContainer string
	FileName             string
	Operation            string
	FieldName            string
	FieldType            string
}

// IngestionStatus tracks the status of ingestion runs
type IngestionStatus struct {
	LastSuccessfulRun time.Time `json:"last_successful_run" bson:"last_successful_run" dynamodbav:"last_successful_run"`
	LastAttempt       time.Time `json:"last_attempt" bson:"last_attempt" dynamodbav:"last_attempt"`
	Status            string    `json:"status" bson:"status" dynamodbav:"status"` // "success", "partial", "failure", "never_run"
	ErrorMessage      string    `json:"error_message,omitempty" bson:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	RecordsIngested   int       `json:"records_ingested" bson:"records_ingested" dynamodbav:"records_ingested"`
	RecordsFailed     int       `json:"records_failed" bson:"records_failed" dynamodbav:"records_failed"`
	ObjectsProcessed  int       `json:"objects_processed" bson:"objects_processed" dynamodbav:"objects_processed"`
	ObjectsSkipped    int       `json:"objects_skipped" bson:"objects_skipped" dynamodbav:"objects_skipped"`
}

// RunReport summarizes a single pipeline run.
type RunReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ObjectsSeen      int           `json:"objects_seen"`
	ObjectsProcessed int           `json:"objects_processed"`
	ObjectsSkipped   int           `json:"objects_skipped"`
	DocumentsFailed  int           `json:"documents_failed"`
	RecordsWritten   int           `json:"records_written"`
	RecordsRejected  int           `json:"records_rejected"`
	RecordsFailed    int           `json:"records_failed"`
}

// Status derives the persisted status label for the run.
func (r RunReport) Status() string {
	switch {
	case r.RecordsFailed == 0 && r.RecordsRejected == 0 && r.DocumentsFailed == 0:
		return "success"
	case r.RecordsWritten > 0:
		return "partial"
	default:
		return "failure"
	}
}
