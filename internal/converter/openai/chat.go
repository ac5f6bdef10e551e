package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/docbatch/internal/converter"
)

var errNoChoices = errors.New("no choices in openai response")

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chat converts through /chat/completions with the document attached as a
// base64 file content part.
func (c *Client) chat(ctx context.Context, req converter.Request, data []byte) (string, error) {
	body := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": c.cfg.SystemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": c.cfg.UserPrompt},
				{"type": "file", "file": map[string]any{
					"filename":  filepath.Base(req.Path),
					"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
				}},
			}},
		},
	}

	var cc chatResponse
	if err := c.postJSON(ctx, "/chat/completions", body, &cc); err != nil {
		return "", err
	}
	if len(cc.Choices) == 0 {
		return "", errNoChoices
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
