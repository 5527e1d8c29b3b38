package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursorVersion is bumped only if the cursor's shape changes incompatibly.
const cursorVersion = 1

// Cursor is the opaque pagination state for an initial (paginated) sync
// (spec §3.4). It is always echoed back to the server verbatim except for
// tableIndex/offset, which the server recomputes for the next page.
type Cursor struct {
	Version       int    `json:"version"`
	TableIndex    int    `json:"tableIndex"`
	Offset        int    `json:"offset"`
	SyncStartedAt string `json:"syncStartedAt"`
}

// EncodeCursor serializes a Cursor to the base64 wire string.
func EncodeCursor(c Cursor) (string, error) {
	c.Version = cursorVersion
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("engine: encode cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCursor parses the base64 wire string back into a Cursor. An empty
// input string decodes to the default {0,0,""} cursor (start of sync).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{Version: cursorVersion}, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("engine: decode cursor: bad base64: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("engine: decode cursor: bad json: %w", err)
	}
	return c, nil
}
