package query

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

type ColumnNaming int

const (
	// SyntheticColumns keys values column_1, column_2, ... in select order.
	SyntheticColumns ColumnNaming = iota
	// SourceColumns keys values by the driver-reported column names.
	SourceColumns
)

func ParseColumnNaming(raw string) (ColumnNaming, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "synthetic":
		return SyntheticColumns, nil
	case "source":
		return SourceColumns, nil
	default:
		return 0, fmt.Errorf("unknown column naming %q", raw)
	}
}

func columnKeys(naming ColumnNaming, source []string) []string {
	keys := make([]string, len(source))
	if naming == SyntheticColumns {
		for i := range source {
			keys[i] = "column_" + strconv.Itoa(i+1)
		}
		return keys
	}
	seen := make(map[string]int, len(source))
	for i, name := range source {
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + "_" + strconv.Itoa(n)
		}
		keys[i] = name
	}
	return keys
}

func toRow(keys []string, values []any) map[string]any {
	row := make(map[string]any, len(keys))
	for i, key := range keys {
		row[key] = normalizeValue(values[i])
	}
	return row
}

// normalizeValue turns driver payloads into JSON-friendly values.
// Arbitrary-precision integers are narrowed to int64; values outside that
// range keep only their low 64 bits.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(typed)
	case *big.Int:
		if typed == nil {
			return nil
		}
		return typed.Int64()
	case big.Int:
		return typed.Int64()
	default:
		return typed
	}
}
