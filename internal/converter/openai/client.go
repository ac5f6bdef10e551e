package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/retry"
)

var _ converter.Converter = (*Client)(nil)

// Convert sends the document at req.Path to the service. With a profile the
// assistant identified by req.Profile runs the conversion; otherwise a chat
// completion with the document attached is used.
func (c *Client) Convert(ctx context.Context, req converter.Request) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	rid := uuid.New().String()
	start := time.Now()

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("read input %s: %w", req.File, err))
	}

	mode := "chat"
	if req.Profile != "" {
		mode = "assistant"
	}
	c.log.Info("convert.start",
		"req_id", rid,
		"file", req.File,
		"mode", mode,
		"bytes", len(data),
	)

	var text string
	if req.Profile != "" {
		text, err = c.runAssistant(ctx, rid, req, data)
	} else {
		text, err = c.chat(ctx, req, data)
	}
	if err != nil {
		c.log.Warn("convert.error",
			"req_id", rid, "file", req.File, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	c.log.Info("convert.ok",
		"req_id", rid, "file", req.File, "chars", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postFile(ctx context.Context, path, purpose, filename string, data []byte, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out. Responses that a
// retry cannot fix are marked permanent.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openai http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("openai response body close error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("openai read response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if permanentStatus(resp.StatusCode) {
			return retry.Permanent(serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode openai response: %w", err)
	}
	return nil
}
