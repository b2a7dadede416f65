package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis hash keys holding the supplier directory. The hashes are maintained
// by a separate configuration sync job; this package only reads them.
const (
	supplierPermissionsKey = "supplier_permissions"
	submitterToSupplierKey = "ods_code_to_supplier"
	categoryDirectoryKey   = "vacc_to_diseases"
)

// Directory resolves submitter codes to canonical supplier identities and
// suppliers to their permission strings.
type Directory struct {
	client *redis.Client
}

// NewDirectory constructs a Directory over an existing Redis client.
func NewDirectory(client *redis.Client) *Directory {
	return &Directory{client: client}
}

// SupplierFor maps a submitter (ODS) code to its canonical supplier
// identity. An unknown code returns an empty string with no error; the
// caller treats it as part of file key validation.
func (d *Directory) SupplierFor(ctx context.Context, submitterCode string) (string, error) {
	val, err := d.client.HGet(ctx, submitterToSupplierKey, strings.ToUpper(submitterCode)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve supplier for %s: %w", submitterCode, err)
	}
	return strings.ToUpper(val), nil
}

// PermissionsFor returns the supplier's parsed permission set. A supplier
// with no directory entry has no permissions.
func (d *Directory) PermissionsFor(ctx context.Context, supplier string) (Set, error) {
	val, err := d.client.HGet(ctx, supplierPermissionsKey, strings.ToUpper(supplier)).Result()
	if errors.Is(err, redis.Nil) {
		return Parse(nil), nil
	}
	if err != nil {
		return Set{}, fmt.Errorf("fetch permissions for %s: %w", supplier, err)
	}
	var raw []string
	if err := json.Unmarshal([]byte(val), &raw); err != nil {
		return Set{}, fmt.Errorf("decode permissions for %s: %w", supplier, err)
	}
	return Parse(raw), nil
}

// ValidCategories returns the set of known vaccination categories.
func (d *Directory) ValidCategories(ctx context.Context) (map[string]bool, error) {
	keys, err := d.client.HKeys(ctx, categoryDirectoryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch valid categories: %w", err)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[strings.ToUpper(k)] = true
	}
	return out, nil
}
