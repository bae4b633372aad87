package rest

import (
	"bitmexmd/internal/exchange/bitmex/sign"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const maxBody = 4 << 20

// Do sends one request to /api/v1/<path>. When key and secret are set the request is
// signed over verb + full path + expires + body; otherwise it is public.
func (c *Client) Do(ctx context.Context, key, secret, verb, path string, body any) (json.RawMessage, error) {
	if verb == "" {
		verb = http.MethodGet
	}
	verb = strings.ToUpper(verb)
	fullPath := apiPrefix + strings.TrimPrefix(path, "/")

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, verb, c.baseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if key != "" && secret != "" {
		expires := sign.Expires(c.now())
		req.Header.Set("api-expires", strconv.FormatInt(expires, 10))
		req.Header.Set("api-key", key)
		req.Header.Set("api-signature", sign.Sign(secret, verb, fullPath, expires, string(payload)))
	}

	entry := c.log.WithComponent("bitmex_rest").WithFields(map[string]interface{}{
		"verb":   verb,
		"path":   fullPath,
		"signed": key != "",
	})
	entry.Debug("REST запрос.")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать ответ: %w", err)
	}

	if !json.Valid(data) {
		entry.WithField("status", resp.StatusCode).Warn("Ответ не является JSON.")
		return nil, &RawResponseError{Status: resp.StatusCode, Body: string(data)}
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, data)
	}

	return json.RawMessage(data), nil
}

func apiError(status int, data []byte) *APIError {
	var reply struct {
		Error struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &reply)

	e := &APIError{Status: status, Name: reply.Error.Name, Message: reply.Error.Message}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
