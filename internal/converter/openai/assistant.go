package openai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/docbatch/internal/converter"
)

// ErrRunFailed is returned when an assistant run ends in a status other than completed.
var ErrRunFailed = errors.New("assistant run did not complete")

type object struct {
	ID string `json:"id"`
}

type run struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type messageList struct {
	Data []struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// runAssistant uploads the document, asks the assistant to convert it on a
// new thread and waits for the run to finish.
func (c *Client) runAssistant(ctx context.Context, rid string, req converter.Request, data []byte) (string, error) {
	var file object
	if err := c.postFile(ctx, "/files", "assistants", req.Path, data, &file); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}

	var thread object
	if err := c.postJSON(ctx, "/threads", map[string]any{}, &thread); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	threadPath := "/threads/" + url.PathEscape(thread.ID)

	msg := map[string]any{
		"role":    "user",
		"content": c.cfg.UserPrompt,
		"attachments": []map[string]any{{
			"file_id": file.ID,
			"tools":   []map[string]any{{"type": "file_search"}},
		}},
	}
	if err := c.postJSON(ctx, threadPath+"/messages", msg, nil); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	var r run
	if err := c.postJSON(ctx, threadPath+"/runs", map[string]any{"assistant_id": req.Profile}, &r); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	r, err := c.waitRun(ctx, rid, threadPath, r)
	if err != nil {
		return "", err
	}
	if r.Status != "completed" {
		return "", fmt.Errorf("%w: status %s", ErrRunFailed, r.Status)
	}

	var msgs messageList
	if err := c.getJSON(ctx, threadPath+"/messages?order=desc&limit=1", &msgs); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs.Data {
		for _, part := range m.Content {
			if part.Type == "text" || part.Type == "" {
				return strings.TrimSpace(part.Text.Value), nil
			}
		}
	}
	return "", errors.New("assistant returned no text")
}

// waitRun polls while the run is queued or in progress. The wait starts at
// PollInterval and doubles up to PollMaxInterval.
func (c *Client) waitRun(ctx context.Context, rid, threadPath string, r run) (run, error) {
	interval := c.cfg.PollInterval
	polls := 0
	for r.Status == "queued" || r.Status == "in_progress" {
		if err := c.sleep(ctx, interval); err != nil {
			return r, err
		}
		if err := c.getJSON(ctx, threadPath+"/runs/"+url.PathEscape(r.ID), &r); err != nil {
			return r, fmt.Errorf("retrieve run: %w", err)
		}
		polls++
		c.log.Debug("convert.assistant.poll", "req_id", rid, "run_id", r.ID, "status", r.Status, "polls", polls)

		interval = nextPollInterval(interval, c.cfg.PollMaxInterval)
	}
	return r, nil
}

func nextPollInterval(cur, limit time.Duration) time.Duration {
	if limit <= cur {
		return cur
	}
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}
