package query

import (
	"regexp"
	"strings"
)

// denylist is a whole-word textual match. It also fires inside string
// literals and comments; no parsing is attempted.
var denylist = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|CREATE|RENAME|GRANT|REVOKE)\b`)

// Validate rejects blank statements and anything naming a modification
// keyword.
func Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return ErrEmptySQL
	}
	if denylist.MatchString(sql) {
		return ErrModificationNotAllowed
	}
	return nil
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
