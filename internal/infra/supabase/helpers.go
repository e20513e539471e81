package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ============================================================
// Query helpers
// ============================================================

// selectRows GETs path and decodes the JSON array.
func selectRows[T any](ctx context.Context, c *Client, op, path string) ([]T, error) {
	body, err := c.execute(ctx, op, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[T](body)
}

// insertRow POSTs data and decodes the created row.
func insertRow[T any](ctx context.Context, c *Client, op, table string, data any) (*T, error) {
	body, err := c.execute(ctx, op, http.MethodPost, table, data, preferRepresentation)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[T](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("supabase %s: insert returned no row", table)
	}
	return &rows[0], nil
}

// patchRows PATCHes every row matching path and returns the updated rows.
// An empty result means the filters matched nothing.
func patchRows[T any](ctx context.Context, c *Client, op, path string, data map[string]any) ([]T, error) {
	body, err := c.execute(ctx, op, http.MethodPatch, path, data, preferRepresentation)
	if err != nil {
		return nil, err
	}
	return decodeRows[T](body)
}

func decodeRows[T any](body []byte) ([]T, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return rows, nil
}

// eq builds a PostgREST equality filter value.
func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

// neq builds a PostgREST inequality filter value.
func neq(v string) string {
	return "neq." + url.QueryEscape(v)
}

// ts formats a timestamp for filters.
func ts(t time.Time) string {
	return url.QueryEscape(t.UTC().Format(time.RFC3339Nano))
}
