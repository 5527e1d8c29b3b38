// Package workerclient is the worker client (C3): a thin, stateless HTTP
// transport to the edge sync endpoint. It knows the wire protocol and
// nothing about local storage, the outbox, or apply semantics — those are
// the engine's (C5) job.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for the error kinds the engine needs to distinguish.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrServer         = errors.New("server error")
	ErrProtocol       = errors.New("protocol error")
	ErrSyncInProgress = errors.New("sync already in progress on server")
	ErrNetwork        = errors.New("network error")
)

// Change is one row mutation being pushed, mirroring the wire shape.
type Change struct {
	Table          string         `json:"table"`
	RowID          string         `json:"rowId"`
	Data           map[string]any `json:"data,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	LastModifiedAt string         `json:"lastModifiedAt"`
}

// GenreFilter and CollectionsOverride pass through user-scoping hints the
// host application supplies; the edge's pull-rule DSL decides what they mean.
type CollectionsOverride struct {
	SelectedGenres []string `json:"selectedGenres,omitempty"`
}

type GenreFilter struct {
	SelectedGenreIDs []string `json:"selectedGenreIds,omitempty"`
	PlaylistGenreIDs []string `json:"playlistGenreIds,omitempty"`
}

// Request is the full POST /api/sync request body (spec §6.1).
type Request struct {
	Changes             []Change             `json:"changes"`
	LastSyncAt          string               `json:"lastSyncAt,omitempty"`
	SchemaVersion       int                  `json:"schemaVersion"`
	PullCursor          string               `json:"pullCursor,omitempty"`
	SyncStartedAt       string               `json:"syncStartedAt,omitempty"`
	PageSize            int                  `json:"pageSize,omitempty"`
	CollectionsOverride *CollectionsOverride `json:"collectionsOverride,omitempty"`
	GenreFilter         *GenreFilter         `json:"genreFilter,omitempty"`
	PullTables          []string             `json:"pullTables,omitempty"`
}

// Page is the decoded response: one page of pulled changes plus pagination
// state for continuation.
type Page struct {
	Changes       []Change `json:"changes"`
	SyncedAt      string   `json:"syncedAt"`
	NextCursor    string   `json:"nextCursor,omitempty"`
	SyncStartedAt string   `json:"syncStartedAt,omitempty"`
	Error         string   `json:"error,omitempty"`
	Debug         []string `json:"debug,omitempty"`
}

// HasMore reports whether another page should be requested to continue an
// initial (paginated) sync.
func (p Page) HasMore() bool { return p.NextCursor != "" }

// Client talks to one edge sync endpoint on behalf of one authenticated
// user/device.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a Client with a bounded request timeout — the spec's §5
// concurrency model treats a timed-out request as a non-fatal, retriable
// transport error, never as evidence of partial application.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Sync issues one POST /api/sync request, combining whatever local changes
// are ready to push with whatever pull parameters (watermark or cursor) the
// caller supplies — a single round trip covers both directions of one page.
func (c *Client) Sync(ctx context.Context, req Request) (Page, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Page{}, fmt.Errorf("marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("X-Device-Id", c.DeviceID)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var page Page
		if err := json.Unmarshal(respBody, &page); err != nil {
			return Page{}, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
		}
		if page.Error != "" {
			return page, classifyPageError(page.Error)
		}
		return page, nil
	case http.StatusUnauthorized:
		return Page{}, fmt.Errorf("%w: %s", ErrUnauthorized, string(respBody))
	default:
		return Page{}, fmt.Errorf("%w: HTTP %d: %s", ErrServer, resp.StatusCode, string(respBody))
	}
}

func classifyPageError(msg string) error {
	if msg == "sync-in-progress" {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, msg)
	}
	return fmt.Errorf("%w: %s", ErrProtocol, msg)
}
