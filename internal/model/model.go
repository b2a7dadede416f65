// Package model contains the types shared across the ingestion pipeline.
package model

import (
	"fmt"
	"strings"
	"time"
)

// FileStatus describes the audit lifecycle of a submitted batch file.
type FileStatus string

const (
	StatusQueued       FileStatus = "Queued"
	StatusProcessing   FileStatus = "Processing"
	StatusPreprocessed FileStatus = "Preprocessed"
	StatusProcessed    FileStatus = "Processed"
	StatusFailed       FileStatus = "Failed"

	// notProcessedPrefix marks files rejected before row processing; the
	// suffix carries the reason (duplicate, empty, ...).
	notProcessedPrefix = "Not processed - "
)

// NotProcessed builds the terminal status for a file rejected at admission.
func NotProcessed(reason string) FileStatus {
	return FileStatus(notProcessedPrefix + reason)
}

// IsTerminal reports whether no further transitions may occur.
func (s FileStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed || strings.HasPrefix(string(s), notProcessedPrefix)
}

// IsTerminalFailure reports whether the file was rejected or failed outright.
// Duplicate detection ignores records in these states so a corrected
// resubmission of the same filename is allowed through.
func (s FileStatus) IsTerminalFailure() bool {
	return s == StatusFailed || strings.HasPrefix(string(s), notProcessedPrefix)
}

// Operation is the action a row requests against the downstream store.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ParseOperation maps the CSV ACTION_FLAG values onto an Operation. The
// legacy "NEW" flag is an alias for CREATE.
func ParseOperation(flag string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "NEW", "CREATE":
		return OperationCreate, nil
	case "UPDATE":
		return OperationUpdate, nil
	case "DELETE":
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("unrecognised action flag %q", flag)
	}
}

// FileAuditRecord is the durable row kept for every submitted file.
type FileAuditRecord struct {
	MessageID        string
	Filename         string
	QueueName        string
	Status           FileStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RecordCount      *int
	RecordsSucceeded *int
	RecordsFailed    *int
	ErrorDetails     *string
}

// QueueName is the serialization key: files sharing it are processed one at
// a time.
func QueueName(supplier, category string) string {
	return fmt.Sprintf("%s_%s", supplier, category)
}

// RowID identifies one row of one file across the pipeline.
func RowID(messageID string, rowNumber int) string {
	return fmt.Sprintf("%s^%d", messageID, rowNumber)
}

// Diagnostics describes a row-level failure. It travels downstream as data
// rather than as an error so the remaining rows keep flowing.
type Diagnostics struct {
	ErrorType    string `json:"error_type"`
	StatusCode   int    `json:"statusCode"`
	ErrorMessage string `json:"error_message"`
}

// RowEvent is the transport message emitted once per row, plus one EOF
// marker per file. All events for a file share the same partition key so the
// forwarder observes them in emission order.
type RowEvent struct {
	FileKey     string           `json:"file_key"`
	MessageID   string           `json:"message_id"`
	RowID       string           `json:"row_id,omitempty"`
	Operation   Operation        `json:"operation,omitempty"`
	CreatedAt   string           `json:"created_at"`
	LocalID     string           `json:"local_id,omitempty"`
	Supplier    string           `json:"supplier"`
	Category    string           `json:"category"`
	Payload     *CanonicalRecord `json:"payload,omitempty"`
	Diagnostics *Diagnostics     `json:"diagnostics,omitempty"`
	EOF         bool             `json:"eof,omitempty"`
}

// CanonicalRecord is the converted form of one CSV row, ready for the
// downstream storage API. Identifier is the business identifier used for
// intra-batch duplicate suppression.
type CanonicalRecord struct {
	Identifier string                 `json:"identifier"`
	LocalID    string                 `json:"local_id"`
	Resource   map[string]interface{} `json:"resource"`
}

// RowOutcome is the forwarder's verdict on a single row, buffered per file
// and flushed to the ack writer.
type RowOutcome struct {
	RowID       string       `json:"row_id"`
	LocalID     string       `json:"local_id,omitempty"`
	Succeeded   bool         `json:"succeeded"`
	StorageKey  string       `json:"storage_key,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// AckDocument is the row-level (business) acknowledgement artifact. Only
// failed rows appear in Failures; success is implied by absence. The JSON
// field names are fixed for downstream consumers.
type AckDocument struct {
	System          string       `json:"system"`
	Version         string       `json:"version"`
	Filename        string       `json:"filename"`
	Provider        string       `json:"provider"`
	MessageHeaderID string       `json:"messageHeaderId"`
	GeneratedDate   string       `json:"generatedDate"`
	Summary         *AckSummary  `json:"summary,omitempty"`
	Failures        []AckFailure `json:"failures"`
}

// AckSummary is populated once, when the file completes.
type AckSummary struct {
	TotalRecords  int    `json:"totalRecords"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	IngestionTime string `json:"ingestionTime"`
}

// AckFailure is one failed row in the AckDocument.
type AckFailure struct {
	RowID            string `json:"rowId"`
	ResponseCode     string `json:"responseCode"`
	ResponseDisplay  string `json:"responseDisplay"`
	Severity         string `json:"severity"`
	LocalID          string `json:"localId"`
	OperationOutcome string `json:"operationOutcome"`
}
