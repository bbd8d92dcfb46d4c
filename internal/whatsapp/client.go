// Package whatsapp предоставляет клиент HTTP API шлюза WhatsApp и типы его вебхуков.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/cardservice/internal/model"
)

// SessionWorking обозначает подключённую сессию шлюза.
const SessionWorking = "WORKING"

const (
	defaultSession = "default"
	defaultTimeout = 10 * time.Second
	chatSuffix     = "@c.us"
)

// Config содержит параметры подключения к шлюзу.
type Config struct {
	BaseURL string
	Session string
	APIKey  string
	Timeout time.Duration
}

// Client инкапсулирует HTTP-взаимодействие со шлюзом WhatsApp.
type Client struct {
	baseURL    string
	session    string
	apiKey     string
	httpClient *retryablehttp.Client
	sendClient *retryablehttp.Client
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendTextResponse struct {
	ID json.RawMessage `json:"id"`
}

type sessionResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// NewClient создаёт клиент шлюза. Проверка сессии повторяется при ответах 5xx и 429 не более двух раз.
// Отправка сообщения не повторяется: шлюз мог доставить его до ошибки, а повторы планирует рассылка.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	session := cfg.Session
	if session == "" {
		session = defaultSession
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	sc := retryablehttp.NewClient()
	sc.HTTPClient = rc.HTTPClient
	sc.RetryMax = 0
	sc.Logger = nil

	return &Client{
		baseURL:    base,
		session:    session,
		apiKey:     cfg.APIKey,
		httpClient: rc,
		sendClient: sc,
	}
}

// Configured сообщает, задан ли адрес шлюза.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// ChatID преобразует номер телефона в идентификатор чата шлюза.
func ChatID(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + chatSuffix
}

// Send отправляет текстовое сообщение и возвращает идентификатор сообщения у провайдера.
func (c *Client) Send(ctx context.Context, phone, text string) (string, error) {
	if !c.Configured() {
		return "", model.Unavailable("whatsapp client not configured")
	}

	body, err := json.Marshal(sendTextRequest{Session: c.session, ChatID: ChatID(phone), Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	resp, err := c.do(ctx, c.sendClient, http.MethodPost, "/api/sendText", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unexpectedStatus(resp)
	}

	var result sendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return messageID(result.ID), nil
}

// CheckConnection проверяет, что сессия шлюза подключена.
func (c *Client) CheckConnection(ctx context.Context) error {
	if !c.Configured() {
		return model.Unavailable("whatsapp client not configured")
	}

	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/sessions/"+c.session, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}

	var s sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	if s.Status != SessionWorking {
		return model.Unavailable("whatsapp session %s is %s", c.session, s.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, path string, body []byte) (*http.Response, error) {
	var payload any
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, model.Unavailable("whatsapp %s %s: %v", method, path, err)
	}
	return resp, nil
}

func unexpectedStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return model.Unavailable("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// messageID извлекает идентификатор из строки или объекта вида {"_serialized": "..."}.
func messageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
		ID         string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Serialized != "" {
			return obj.Serialized
		}
		return obj.ID
	}
	return ""
}
