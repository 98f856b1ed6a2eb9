package exports

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"d2dtreasury/integrations/eventlog"
)

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// EventsCSV builds a CSV export for the supplied event records and returns the
// serialised data alongside a blake3 checksum of the payload.
func EventsCSV(records []eventlog.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "type", "occurred_at", "attributes", "digest"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		record := []string{
			fmt.Sprintf("%d", rec.Sequence),
			rec.Type,
			formatTimestamp(rec.Timestamp),
			rec.Attributes,
			rec.Digest,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
