package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPTransport posts templated emails to the provider's REST API:
//
//	POST {BaseURL}/emails  {"from","to","template","variables"}  ->  {"id"}
//
// 429 maps to ErrTransient unless the body names a quota, in which case it
// is ErrQuotaExceeded. 5xx and network failures are ErrTransient.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	From    string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, apiKey, from string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		From:    from,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type sendEmailRequest struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

type sendEmailResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(sendEmailRequest{
		From:      t.From,
		To:        msg.RecipientEmail,
		Template:  msg.TemplateKey,
		Variables: msg.Variables,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendEmailResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if isQuotaCode(out.Code) {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, out.Message)
		}
		return "", fmt.Errorf("%w: provider rate limit", ErrTransient)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: provider status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("email provider rejected request: status %d: %s", resp.StatusCode, out.Message)
	}
	if out.ID == "" {
		return "", fmt.Errorf("email provider returned no id")
	}
	return out.ID, nil
}

func isQuotaCode(code string) bool {
	return strings.Contains(strings.ToLower(code), "quota")
}

// LogTransport delivers nothing: it logs the message and returns a local id.
// Used when no provider is configured.
type LogTransport struct {
	Logger *zap.Logger
}

func (t LogTransport) Send(_ context.Context, msg Message) (string, error) {
	id := "local-" + uuid.NewString()
	if t.Logger != nil {
		t.Logger.Info("email not sent, no provider configured",
			zap.String("email_id", id),
			zap.String("template", msg.TemplateKey),
			zap.String("recipient", msg.RecipientEmail))
	}
	return id, nil
}
