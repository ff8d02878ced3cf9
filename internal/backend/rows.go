package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tonimelisma/autolog/internal/offline"
)

const restPrefix = "/rest/v1/"

// tables maps entity types to backend table names.
var tables = map[offline.EntityType]string{
	offline.EntityVehicle:     "vehicles",
	offline.EntityMaintenance: "maintenance_records",
	offline.EntityExpense:     "expenses",
	offline.EntityDocument:    "documents",
	offline.EntitySettings:    "user_settings",
}

// Table returns the backend table for entityType.
func Table(entityType offline.EntityType) (string, error) {
	t, ok := tables[entityType]
	if !ok {
		return "", fmt.Errorf("backend: no table for entity type %q", entityType)
	}

	return t, nil
}

// Row is one backend row as decoded JSON.
type Row map[string]any

// Create inserts a row and returns the ID the server assigned. A temporary
// "id" in data is never sent; the server owns ID assignment.
func (c *Client) Create(ctx context.Context, entityType offline.EntityType, data map[string]any) (string, error) {
	table, err := Table(entityType)
	if err != nil {
		return "", err
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		if k == "id" {
			if s, ok := v.(string); ok && offline.IsTempID(s) {
				continue
			}
		}

		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("backend: encoding %s row: %w", entityType, err)
	}

	header := http.Header{}
	header.Set("Prefer", "return=representation")

	resp, err := c.Do(ctx, http.MethodPost, restPrefix+table, body, header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return "", fmt.Errorf("backend: decoding created %s: %w", entityType, err)
	}

	if len(rows) == 0 {
		return "", fmt.Errorf("backend: create %s returned no rows", entityType)
	}

	id, ok := rowID(rows[0])
	if !ok {
		return "", fmt.Errorf("backend: created %s has no id", entityType)
	}

	return id, nil
}

// Update patches the row identified by id.
func (c *Client) Update(ctx context.Context, entityType offline.EntityType, id string, data map[string]any) error {
	table, err := Table(entityType)
	if err != nil {
		return err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("backend: encoding %s update: %w", entityType, err)
	}

	header := http.Header{}
	header.Set("Prefer", "return=minimal")

	resp, err := c.Do(ctx, http.MethodPatch, rowPath(table, id), body, header)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// Delete removes the row identified by id. A row that is already gone counts
// as deleted.
func (c *Client) Delete(ctx context.Context, entityType offline.EntityType, id string) error {
	table, err := Table(entityType)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, http.MethodDelete, rowPath(table, id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// List returns every row of entityType visible to the caller.
func (c *Client) List(ctx context.Context, entityType offline.EntityType) ([]Row, error) {
	table, err := Table(entityType)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(ctx, http.MethodGet, restPrefix+table+"?select=*", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("backend: decoding %s list: %w", entityType, err)
	}

	return rows, nil
}

// Apply performs one queued operation. For a create it returns the server ID
// of the new row; for update and delete the returned ID is empty.
func (c *Client) Apply(ctx context.Context, op offline.Operation) (string, error) {
	switch op.Type {
	case offline.OpCreate:
		return c.Create(ctx, op.EntityType, op.Data)
	case offline.OpUpdate:
		return "", c.Update(ctx, op.EntityType, op.EntityID, op.Data)
	case offline.OpDelete:
		return "", c.Delete(ctx, op.EntityType, op.EntityID)
	default:
		return "", fmt.Errorf("%w: operation type %q", ErrBadRequest, op.Type)
	}
}

func rowPath(table, id string) string {
	return restPrefix + table + "?id=eq." + url.QueryEscape(id)
}

// rowID extracts the id column, which may be a UUID string or a number.
func rowID(r Row) (string, bool) {
	switch v := r["id"].(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%.0f", v), true
	default:
		return "", false
	}
}

// drain discards and closes a response body so the connection is reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort
	resp.Body.Close()
}
