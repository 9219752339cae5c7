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

	"whatsapp-support-gateway/internal/config"
)

const MessagingProduct = "whatsapp"

type Client struct {
	baseURL       string
	version       string
	token         string
	phoneNumberID string
	httpClient    *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.WhatsAppAPIBase, "/"),
		version:       cfg.WhatsAppAPIVersion,
		token:         cfg.WhatsAppToken,
		phoneNumberID: cfg.PhoneNumberID,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the Graph API. Body holds the provider's
// error payload verbatim.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *TextObj     `json:"text,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

type TemplateObj struct {
	Name       string         `json:"name"`
	Language   LanguageObj    `json:"language"`
	Components []ComponentObj `json:"components,omitempty"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

// ComponentObj is a template component. Carousel components carry Cards
// instead of Parameters.
type ComponentObj struct {
	Type       string         `json:"type"`
	SubType    string         `json:"sub_type,omitempty"`
	Index      string         `json:"index,omitempty"` // For buttons
	Parameters []ParameterObj `json:"parameters,omitempty"`
	Cards      []CardObj      `json:"cards,omitempty"`
}

type CardObj struct {
	CardIndex  int            `json:"card_index"`
	Components []ComponentObj `json:"components"`
}

type ParameterObj struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Image *MediaObj `json:"image,omitempty"`
}

// SendResponse is the Graph API answer to a successful send.
type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// --- Helper Functions ---

func (c *Client) sendRequest(ctx context.Context, method, url string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, c.phoneNumberID)
}

// --- Messaging Methods ---

func (c *Client) SendRawMessage(ctx context.Context, msg GenericMessage) (*SendResponse, error) {
	if msg.MessagingProduct == "" {
		msg.MessagingProduct = MessagingProduct
	}

	raw, err := c.sendRequest(ctx, http.MethodPost, c.messagesURL(), msg)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decoding send response: %w", err)
		}
	}
	return &resp, nil
}

// SendText sends a plain text message. It makes exactly one request.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	_, err := c.SendRawMessage(ctx, GenericMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             "text",
		Text: &TextObj{
			Body: body,
		},
	})
	return err
}

func (c *Client) SendTemplate(ctx context.Context, to string, tmpl TemplateObj) error {
	_, err := c.SendRawMessage(ctx, GenericMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             "template",
		Template:         &tmpl,
	})
	return err
}
