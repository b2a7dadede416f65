// Package permissions resolves submitter identities and parses supplier
// permission strings into a typed set, once, at admission time.
package permissions

import (
	"strings"

	"github.com/carelink/vaxbatch/internal/model"
)

// Permission strings take the form {CATEGORY}.{OPS} where OPS is any
// combination of the letters C, U, D, R, S. Only C, U and D matter for batch
// ingestion; R and S cover the query surfaces and are ignored here.
var letterToOperation = map[byte]model.Operation{
	'C': model.OperationCreate,
	'U': model.OperationUpdate,
	'D': model.OperationDelete,
}

// Set is the typed form of a supplier's permissions: the batch operations
// allowed per category.
type Set struct {
	byCategory map[string]map[model.Operation]bool
}

// Parse builds a Set from raw permission strings. Malformed entries are
// skipped rather than failing the whole supplier.
func Parse(raw []string) Set {
	set := Set{byCategory: make(map[string]map[model.Operation]bool)}
	for _, perm := range raw {
		parts := strings.SplitN(strings.ToUpper(strings.TrimSpace(perm)), ".", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		ops := set.byCategory[parts[0]]
		if ops == nil {
			ops = make(map[model.Operation]bool)
			set.byCategory[parts[0]] = ops
		}
		for i := 0; i < len(parts[1]); i++ {
			if op, ok := letterToOperation[parts[1][i]]; ok {
				ops[op] = true
			}
		}
	}
	return set
}

// CanSubmit reports whether the supplier holds at least one batch operation
// for the category, which is the bar for admitting a file.
func (s Set) CanSubmit(category string) bool {
	return len(s.byCategory[strings.ToUpper(category)]) > 0
}

// Allows reports whether a specific row operation is permitted.
func (s Set) Allows(category string, op model.Operation) bool {
	return s.byCategory[strings.ToUpper(category)][op]
}

// AllowedOperations lists the permitted batch operations for a category in
// a stable order, for hand-off in queue payloads.
func (s Set) AllowedOperations(category string) []model.Operation {
	var out []model.Operation
	for _, op := range []model.Operation{model.OperationCreate, model.OperationUpdate, model.OperationDelete} {
		if s.Allows(category, op) {
			out = append(out, op)
		}
	}
	return out
}

// FromOperations rebuilds a Set for a single category from a list of
// operations, the inverse of AllowedOperations for downstream workers.
func FromOperations(category string, ops []model.Operation) Set {
	set := Set{byCategory: map[string]map[model.Operation]bool{
		strings.ToUpper(category): make(map[model.Operation]bool),
	}}
	for _, op := range ops {
		set.byCategory[strings.ToUpper(category)][op] = true
	}
	return set
}
