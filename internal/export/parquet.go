package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ContentType is the media type stored with every export object.
const ContentType = "application/vnd.apache.parquet"

type exportRow struct {
	RowIndex    int64  `parquet:"row_index"`
	PayloadJSON string `parquet:"payload_json"`
}

func encodeRows(rows []map[string]any, offset int64) ([]exportRow, error) {
	encoded := make([]exportRow, 0, len(rows))
	for i, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", offset+int64(i), err)
		}
		encoded = append(encoded, exportRow{RowIndex: offset + int64(i), PayloadJSON: string(payload)})
	}
	return encoded, nil
}

func writeParquet(rows []exportRow) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[exportRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
