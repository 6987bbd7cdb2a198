package storage

import (
	"fmt"
	"path"
	"regexp"

	"github.com/google/uuid"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9@._-]{0,127}$`)

// ExportKey is the object key holding one export for one user.
func ExportKey(userID string, exportID uuid.UUID) (string, error) {
	if err := validatePathComponent(userID, "user id"); err != nil {
		return "", err
	}
	if exportID == uuid.Nil {
		return "", fmt.Errorf("export id is required")
	}
	return path.Join("exports", userID, exportID.String()+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) || value == ".." {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
