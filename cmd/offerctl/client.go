package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// apiError is the decoded error body of a non-2xx response.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type client struct {
	baseURL string
	actor   string
	http    *http.Client
}

func newClient(ctx *cli.Context) *client {
	return &client{
		baseURL: strings.TrimRight(ctx.String("url"), "/"),
		actor:   ctx.String("actor"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and returns the raw response. version, when
// non-negative, is sent as If-Match.
func (c *client) do(ctx *cli.Context, method, path string, body any, version int) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx.Context, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	if version >= 0 {
		req.Header.Set("If-Match", strconv.Quote(strconv.Itoa(version)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return nil, apiErr
	}
	return raw, nil
}

func (c *client) get(ctx *cli.Context, path string) error {
	raw, err := c.do(ctx, http.MethodGet, path, nil, -1)
	if err != nil {
		return err
	}
	return printJSON(ctx, raw)
}

func (c *client) send(ctx *cli.Context, method, path string, body any) error {
	raw, err := c.do(ctx, method, path, body, versionOf(ctx))
	if err != nil {
		return err
	}
	return printJSON(ctx, raw)
}

func printJSON(ctx *cli.Context, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "\t"); err != nil {
		return err
	}
	_, err := fmt.Fprintln(ctx.App.Writer, out.String())
	return err
}

func versionOf(ctx *cli.Context) int {
	if ctx.IsSet("expected-version") {
		return ctx.Int("expected-version")
	}
	return -1
}
