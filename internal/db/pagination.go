package db

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
)

// Cursor is a keyset pagination position: the sort value of the last row
// on the previous page plus its id as a tie-break.
type Cursor struct {
	Sort interface{} `json:"s"`
	ID   uuid.UUID   `json:"id"`
}

// Encode serializes the cursor as base64url JSON.
func (c Cursor) Encode() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a client-supplied cursor token.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.E(apperr.InvalidInput, "malformed cursor", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperr.E(apperr.InvalidInput, "malformed cursor", err)
	}
	if c.ID == uuid.Nil {
		return nil, apperr.E(apperr.InvalidInput, "malformed cursor", nil)
	}
	return &c, nil
}

func clampPageSize(pageSize int) int {
	if pageSize < 1 {
		return 20
	}
	if pageSize > 100 {
		return 100
	}
	return pageSize
}

// sortColumn resolves a requested sort key against a whitelist; unknown
// keys fall back to created_at to keep the column name out of SQL.
func sortColumn(requested string, allowed map[string]string) (string, error) {
	if requested == "" {
		return "created_at", nil
	}
	column, ok := allowed[requested]
	if !ok {
		return "", apperr.Errorf(apperr.InvalidInput, "unsupported sort key %q", requested)
	}
	return column, nil
}
