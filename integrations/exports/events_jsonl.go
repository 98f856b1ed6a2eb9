package exports

import (
	"bytes"
	"encoding/json"

	"d2dtreasury/integrations/eventlog"
)

// EventsJSONL builds a JSON Lines export for the supplied records and returns
// the serialised payload alongside a checksum.
func EventsJSONL(records []eventlog.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			return nil, "", err
		}
		payload := map[string]interface{}{
			"sequence":    rec.Sequence,
			"type":        evt.Type,
			"occurred_at": formatTimestamp(evt.Timestamp),
			"attributes":  evt.Attributes,
			"digest":      rec.Digest,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
