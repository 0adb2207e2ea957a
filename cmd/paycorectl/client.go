package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paycore/internal/common/api"
)

// adminClient calls the admin API of a running paycore.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(cfg *Config) *adminClient {
	return &adminClient{
		base:  strings.TrimRight(cfg.APIURL, "/") + "/api/v1/admin",
		token: cfg.AdminToken,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// do sends body as JSON and decodes the data field of the response into out.
func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	envelope := api.Response[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		msg := fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		for field, detail := range envelope.Error.Details {
			msg += fmt.Sprintf("\n  %s: %s", field, detail)
		}
		return fmt.Errorf("%s", msg)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
