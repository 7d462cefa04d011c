// Package directory is the client side of the relay's user directory and
// message history API, plus the presence-fed list of known users.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// TransportError reports a failed REST call to the relay. It is never fatal;
// callers keep whatever state they had.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("directory: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Entry is one known user.
type Entry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Online   bool   `json:"online"`
}

// DisplayName falls back to the id for users only known from presence.
func (e Entry) DisplayName() string {
	if e.Username != "" {
		return e.Username
	}
	return e.ID
}

// Client talks to the relay's REST API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the relay at relayURL.
func NewClient(relayURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(relayURL) + proto.APIPrefix,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return &TransportError{Op: op, Err: fmt.Errorf("%s %s: status %s", method, path, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// FetchDirectory lists every registered user.
func (c *Client) FetchDirectory(ctx context.Context) ([]Entry, error) {
	var users []proto.User
	if err := c.do(ctx, "fetch directory", http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(users))
	for _, u := range users {
		out = append(out, Entry{ID: u.ID, Username: u.Username, Email: u.Email})
	}
	return out, nil
}

// Register creates or updates the directory entry for id.
func (c *Client) Register(ctx context.Context, u proto.User) (proto.User, error) {
	var out proto.User
	err := c.do(ctx, "register", http.MethodPost, "/users", u, &out)
	return out, err
}

// FetchHistory returns the messages between a and b, oldest first.
func (c *Client) FetchHistory(ctx context.Context, a, b string) ([]chat.Message, error) {
	var out []chat.Message
	path := "/messages/" + url.PathEscape(a) + "/" + url.PathEscape(b)
	if err := c.do(ctx, "fetch history", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostMessage persists msg and returns the relay's stored copy.
func (c *Client) PostMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	body := struct {
		ID       string `json:"id,omitempty"`
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
		Text     string `json:"text"`
	}{msg.ID, msg.Sender, msg.Receiver, msg.Text}

	var out chat.Message
	err := c.do(ctx, "post message", http.MethodPost, "/messages", body, &out)
	return out, err
}
