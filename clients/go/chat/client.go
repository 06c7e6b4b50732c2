// Package chat provides a Go client for the lost-and-found board's
// realtime conversation API: REST calls, the server-sent event streams,
// and the client-side receiver and optimistic send machinery.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Message mirrors the server's durable message record.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Type           string    `json:"type"`
	Text           *string   `json:"text"`
	Attachments    []string  `json:"attachments"`
	ClientKey      string    `json:"clientKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TextOrEmpty returns the message text, tolerating a null text field.
func (m Message) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// UserPreview mirrors the server's member list entry.
type UserPreview struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarUrl"`
}

// MessagePreview mirrors the server's last-message preview.
type MessagePreview struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Text      *string   `json:"text"`
	SenderID  string    `json:"senderId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationSummary is one row of the inbox.
type ConversationSummary struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	IsGroup       bool            `json:"isGroup"`
	OtherUser     *UserPreview    `json:"otherUser"`
	LastMessage   *MessagePreview `json:"lastMessage"`
	LastMessageAt time.Time       `json:"lastMessageAt"`
	Unread        int             `json:"unread"`
}

// ConversationView is the metadata returned when opening a conversation.
type ConversationView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	IsGroup   bool          `json:"isGroup"`
	ItemTitle string        `json:"itemTitle,omitempty"`
	Members   []UserPreview `json:"members"`
	OtherUser *UserPreview  `json:"otherUser"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// Client is an API client for the conversation endpoints. The session
// token is sent as the lf_token cookie, matching what the board's
// sign-in flow issues.
type Client struct {
	BaseURL    string
	Token      string
	CookieName string
	HTTPClient *http.Client
}

// NewClient creates a client for the given server and session token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		CookieName: "lf_token",
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: c.CookieName, Value: c.Token})

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Error.Code,
			Message:    env.Error.Message,
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// OpenResult is the response of opening a conversation.
type OpenResult struct {
	MeID         string           `json:"meId"`
	Conversation ConversationView `json:"conversation"`
	Messages     []Message        `json:"messages"`
}

// Open fetches conversation metadata plus a message page. A non-nil
// since returns only messages strictly newer than the watermark.
func (c *Client) Open(ctx context.Context, conversationID string, since *time.Time, take int) (*OpenResult, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	if take > 0 {
		q.Set("take", fmt.Sprintf("%d", take))
	}

	var result OpenResult
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID, q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type historyResponse struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// History fetches an older-than page for backfill. The returned cursor
// is nil when the history is exhausted.
func (c *Client) History(ctx context.Context, conversationID string, cursor *time.Time, limit int) ([]Message, *time.Time, error) {
	q := url.Values{}
	if cursor != nil {
		q.Set("cursor", cursor.Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", q, nil, &resp); err != nil {
		return nil, nil, err
	}

	var next *time.Time
	if resp.NextCursor != nil {
		if t, err := time.Parse(time.RFC3339Nano, *resp.NextCursor); err == nil {
			next = &t
		}
	}
	return resp.Messages, next, nil
}

type sendRequest struct {
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ClientKey   string   `json:"clientKey,omitempty"`
}

type sendResponse struct {
	Message Message `json:"message"`
}

// Send posts one message. The clientKey, if non-empty, is echoed back in
// the stored message for correlation with an optimistic local copy.
func (c *Client) Send(ctx context.Context, conversationID, text string, attachments []string, clientKey string) (*Message, error) {
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", nil, sendRequest{
		Text:        text,
		Attachments: attachments,
		ClientKey:   clientKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// MarkRead zeroes the caller's unread counter for the conversation.
// Idempotent on the server side.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/read", nil, nil, nil)
}

type inboxResponse struct {
	Items []ConversationSummary `json:"items"`
}

// Inbox fetches the caller's conversation list.
func (c *Client) Inbox(ctx context.Context) ([]ConversationSummary, error) {
	var resp inboxResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

type startDirectResponse struct {
	ConversationID string `json:"conversationId"`
}

// StartDirect finds or creates the 1:1 conversation with another user.
func (c *Client) StartDirect(ctx context.Context, toUserID, itemTitle, firstText string) (string, error) {
	var resp startDirectResponse
	err := c.do(ctx, http.MethodPost, "/conversations", nil, map[string]string{
		"to":   toUserID,
		"item": itemTitle,
		"text": firstText,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}
