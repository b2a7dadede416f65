// Package ack builds the two acknowledgement artifacts produced for every
// file: the single-row file-level InfAck CSV and the accumulating row-level
// AckDocument JSON.
package ack

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/carelink/vaxbatch/internal/s3storage"
)

// ObjectStore is the slice of the storage layer the ack builders need.
// *s3storage.Storage satisfies it.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Move(ctx context.Context, bucket, srcKey, dstKey string) error
}

// InfAckHeaders is the fixed file-level ack column set. Order is part of
// the contract with downstream consumers.
var InfAckHeaders = []string{
	"MESSAGE_HEADER_ID",
	"HEADER_RESPONSE_CODE",
	"ISSUE_SEVERITY",
	"ISSUE_CODE",
	"ISSUE_DETAILS_CODE",
	"RESPONSE_TYPE",
	"RESPONSE_CODE",
	"RESPONSE_DISPLAY",
	"RECEIVED_TIME",
	"MAILBOX_FROM",
	"LOCAL_ID",
	"MESSAGE_DELIVERY",
}

const failureResponseDisplay = "Infrastructure Level Response Value - Processing Error"

// InfAckRow returns the single data row for a file-level ack. delivered is
// true when the file was admitted and handed to row processing.
func InfAckRow(messageID string, delivered bool, receivedTime string) []string {
	if delivered {
		return []string{
			messageID, "Success", "Information", "OK", "20013",
			"Technical", "20013", "Success", receivedTime, "", "", "true",
		}
	}
	return []string{
		messageID, "Failure", "Fatal", "Fatal Error", "10001",
		"Technical", "10002", failureResponseDisplay, receivedTime, "", "", "false",
	}
}

// WriteInfAck renders and uploads the file-level ack artifact. It is written
// exactly once per file, at admission, whatever the outcome.
func WriteInfAck(ctx context.Context, store ObjectStore, ackBucket, fileKey, messageID string, delivered bool, receivedTime string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if err := w.Write(InfAckHeaders); err != nil {
		return fmt.Errorf("write infack headers: %w", err)
	}
	if err := w.Write(InfAckRow(messageID, delivered, receivedTime)); err != nil {
		return fmt.Errorf("write infack row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush infack: %w", err)
	}

	key := s3storage.InfAckKey(fileKey, receivedTime)
	if err := store.Put(ctx, ackBucket, key, buf.Bytes(), "text/csv"); err != nil {
		return fmt.Errorf("upload infack: %w", err)
	}
	return nil
}
