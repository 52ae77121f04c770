package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RawModelInfo is the normalized shape of whatever the provider's
// model-detail or model-list endpoint returns. Source tags the field that
// was actually found so the model-info cache can apply its TTL policy.
type RawModelInfo struct {
	ID                  string
	LoadedContextLength int
	HasLoaded           bool
	MaxContextLength    int
	HasMax              bool
	State               string
	Source              string
	Err                 error
}

// httpClient is overridable in tests.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// FetchModelInfo GETs the provider's per-model detail endpoint; on 404 it
// falls back to scanning the model list. Never returns a non-nil error for
// the normal "not found, not loaded" path — callers read RawModelInfo.Err.
func (c *Client) FetchModelInfo(ctx context.Context, modelID string) RawModelInfo {
	info, err := c.fetchModelDetail(ctx, modelID)
	if err == nil {
		return info
	}
	if httpStatus(err) == http.StatusNotFound {
		if info, err2 := c.scanModelList(ctx, modelID); err2 == nil {
			return info
		}
	}
	return RawModelInfo{ID: modelID, Source: "default", Err: err}
}

type notFoundError struct{ status int }

func (e *notFoundError) Error() string { return fmt.Sprintf("status %d", e.status) }

func httpStatus(err error) int {
	if nf, ok := err.(*notFoundError); ok {
		return nf.status
	}
	return 0
}

func (c *Client) fetchModelDetail(ctx context.Context, modelID string) (RawModelInfo, error) {
	url := strings.TrimSuffix(c.baseURL, "/") + "/api/v0/models/" + modelID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawModelInfo{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return RawModelInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RawModelInfo{}, &notFoundError{status: http.StatusNotFound}
	}
	if resp.StatusCode != http.StatusOK {
		return RawModelInfo{}, &notFoundError{status: resp.StatusCode}
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return RawModelInfo{}, err
	}
	return normalize(modelID, raw), nil
}

func (c *Client) scanModelList(ctx context.Context, modelID string) (RawModelInfo, error) {
	url := strings.TrimSuffix(c.baseURL, "/") + "/api/v0/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawModelInfo{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return RawModelInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RawModelInfo{}, &notFoundError{status: resp.StatusCode}
	}

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RawModelInfo{}, err
	}
	for _, entry := range payload.Data {
		if matchesID(entry, modelID) {
			return normalize(modelID, entry), nil
		}
	}
	return RawModelInfo{}, &notFoundError{status: http.StatusNotFound}
}

func matchesID(entry map[string]any, modelID string) bool {
	for _, key := range []string{"id", "model", "name"} {
		if v, ok := entry[key].(string); ok && v == modelID {
			return true
		}
	}
	return false
}

// normalize maps the many historical LM-Studio key-name variants onto
// loaded/max context length.
func normalize(modelID string, raw map[string]any) RawModelInfo {
	info := RawModelInfo{ID: modelID}

	if v, ok := pickInt(raw, "loaded_context_length", "context_length", "context_window", "ctx_window"); ok {
		info.LoadedContextLength = v
		info.HasLoaded = true
	}
	if v, ok := pickInt(raw, "max_context_length", "max_context_window", "max_ctx", "n_ctx", "max_position_embeddings"); ok {
		info.MaxContextLength = v
		info.HasMax = true
	}
	if s, ok := raw["state"].(string); ok {
		info.State = s
	}

	switch {
	case info.HasLoaded:
		info.Source = "lmstudio.loaded_context_length"
	case info.HasMax:
		info.Source = "lmstudio.max_context_length"
	default:
		info.Source = "default"
	}
	return info
}

func pickInt(raw map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}
