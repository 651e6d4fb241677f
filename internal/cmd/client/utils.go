package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// BaseURLFunc provides the base HTTP API URL (e.g. from env or flag).
type BaseURLFunc func() string

// APIURLFromEnv is the standalone binary's BaseURLFunc: LOOM_HTTP or the
// local default.
func APIURLFromEnv() string {
	if v := os.Getenv("LOOM_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func postJSON(base BaseURLFunc, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return http.Post(base()+path, "application/json", bytes.NewReader(buf))
}

func getJSON(base BaseURLFunc, path string, out any) (int, error) {
	resp, err := http.Get(base() + path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %q: %w", string(raw), err)
		}
	}
	return resp.StatusCode, nil
}

// decodeOrStatus decodes a response body into out on success; on a non-2xx
// status it returns the server's error message instead.
func decodeOrStatus(resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
