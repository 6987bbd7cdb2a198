// Package auth resolves callers from static API keys.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const (
	// RoleQueryReader may convert questions and read history and schema.
	RoleQueryReader = "query_reader"
	// RoleQueryRunner may execute SQL against the target database.
	RoleQueryRunner = "query_runner"
)

type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated key:user:role|role entries.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		key, identity, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		validator.keys[key] = identity
	}
	return validator, nil
}

func parseEntry(entry string) (string, Identity, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 3 {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: expected key:user:role|role", entry)
	}
	key := strings.TrimSpace(parts[0])
	user := strings.TrimSpace(parts[1])
	if key == "" || user == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: empty key/user", entry)
	}

	roles := make([]string, 0, 2)
	for _, role := range strings.Split(parts[2], "|") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
	}
	slices.Sort(roles)
	return key, Identity{UserID: user, Roles: roles}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
