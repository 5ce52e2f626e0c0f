package remote

import (
	"time"

	json "github.com/goccy/go-json"
)

// BatchItem is a single queued mutation on the wire.
type BatchItem struct {
	ID        int64           `json:"id"`
	RecordID  string          `json:"record_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// BatchRequest is the envelope submitted to the batch endpoint.
type BatchRequest struct {
	Items           []BatchItem `json:"items"`
	ClientTimestamp time.Time   `json:"client_timestamp"`
	Checksum        string      `json:"checksum"`
}

// ItemStatus is the server-reported outcome for one submitted item.
type ItemStatus string

const (
	StatusSuccess  ItemStatus = "success"
	StatusConflict ItemStatus = "conflict"
	StatusError    ItemStatus = "error"
)

// ProcessedItem is the per-item verdict inside a batch response. ClientID
// echoes the record id of the submitted item and is the matching key.
type ProcessedItem struct {
	ClientID     string          `json:"client_id"`
	ServerID     string          `json:"server_id,omitempty"`
	Status       ItemStatus      `json:"status"`
	ResolvedData json.RawMessage `json:"resolved_data,omitempty"`
	Error        *ItemError      `json:"error,omitempty"`
}

// BatchResponse is the structured reply from the batch endpoint.
type BatchResponse struct {
	ProcessedItems []ProcessedItem `json:"processed_items"`
}

// ItemError carries the server's failure detail for one item. Servers report
// it either as a bare string or as a {code, message} object.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both encodings of the error field.
func (e *ItemError) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		e.Message = msg
		return nil
	}
	type plain ItemError
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = ItemError(decoded)
	return nil
}

// String renders the error for status bookkeeping.
func (e *ItemError) String() string {
	if e == nil {
		return ""
	}
	if e.Code != "" && e.Message != "" {
		return e.Code + ": " + e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Message
}
