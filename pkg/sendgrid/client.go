// Package sendgrid sends transactional mail through the SendGrid v3 API.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gsc-radar/internal/resilience"
)

const defaultBaseURL = "https://api.sendgrid.com"

// Client sends a single message.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// Message is one plain-text email to one recipient.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Address is a SendGrid email address object.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []Address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// mailRequest is the body of POST /v3/mail/send.
type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             Address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

// StatusError is returned for any response other than 202 Accepted.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sendgrid: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	from    Address
	baseURL string
	http    *http.Client
}

// NewClient creates a SendGrid client that sends as from.
func NewClient(apiKey string, from Address, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		from:    from,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send posts the message. Only 202 Accepted counts as success. Transport
// failures and retryable statuses come back as resilience.TransientError;
// any other status is a plain *StatusError.
func (c *httpClient) Send(ctx context.Context, msg Message) error {
	req := mailRequest{
		Personalizations: []personalization{{To: []Address{{Email: msg.To}}}},
		From:             c.from,
		Subject:          msg.Subject,
		Content:          []content{{Type: "text/plain", Value: msg.Text}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "sendgrid: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "sendgrid: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "sendgrid: send request"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resilience.IsTransientStatus(resp.StatusCode) {
			return resilience.NewTransientError(serr, resp.StatusCode)
		}
		return serr
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
