package converter

import (
	"fmt"
	"strings"

	"github.com/carelink/vaxbatch/internal/model"
)

// Baseline is the built-in converter used when no external mapping engine is
// plugged in. It enforces the identifier fields every row must carry and
// passes the remaining cells through as the canonical resource body; full
// field mapping and expression-based content validation are supplied by the
// external collaborator in production deployments.
type Baseline struct{}

// NewBaseline constructs a Baseline converter.
func NewBaseline() *Baseline { return &Baseline{} }

// Convert validates the mandatory identifier columns and builds the
// canonical record.
func (b *Baseline) Convert(row map[string]string, category string) (*model.CanonicalRecord, error) {
	uniqueID := strings.TrimSpace(row[UniqueIDColumn])
	uniqueIDURI := strings.TrimSpace(row[UniqueIDURIColumn])
	if uniqueID == "" {
		return nil, fmt.Errorf("mandatory field %s is missing", UniqueIDColumn)
	}
	if uniqueIDURI == "" {
		return nil, fmt.Errorf("mandatory field %s is missing", UniqueIDURIColumn)
	}

	resource := make(map[string]interface{}, len(row))
	for name, value := range row {
		if value != "" {
			resource[name] = value
		}
	}

	return &model.CanonicalRecord{
		Identifier: fmt.Sprintf("%s#%s", uniqueIDURI, uniqueID),
		LocalID:    fmt.Sprintf("%s^%s", uniqueID, uniqueIDURI),
		Resource:   resource,
	}, nil
}
