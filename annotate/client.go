// Package annotate triggers AI annotation of a task on the compute endpoint.
// The annotation itself is written back to the task by the endpoint and
// reaches clients through their task subscription.
package annotate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	defaultTimeout    = 60 * time.Second
	maxResponseBytes  = 1 << 20
	genericFailureMsg = "annotation request failed"
)

// TokenSource issues the caller's bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request is the body sent to the compute endpoint.
type Request struct {
	TaskID          string `json:"taskId"`
	TaskTitle       string `json:"taskTitle"`
	TaskDescription string `json:"taskDescription"`
}

// Response is the body returned by the compute endpoint.
type Response struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client posts annotation requests.
type Client struct {
	endpoint string
	tokens   TokenSource
	http     *http.Client
	logger   *log.Logger
}

// NewClient creates a Client posting to endpoint with tokens from tokens.
func NewClient(endpoint string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{endpoint: endpoint, tokens: tokens, http: httpClient, logger: log.StandardLogger()}
}

// Annotate asks the endpoint to annotate the task. It returns nil once the
// endpoint has produced a non-empty annotation.
func (c *Client) Annotate(ctx context.Context, taskID, title, description string) error {
	_, err := c.annotate(ctx, Request{TaskID: taskID, TaskTitle: title, TaskDescription: description})
	return err
}

func (c *Client) annotate(ctx context.Context, in Request) (string, error) {
	if c.tokens == nil {
		return "", &domain.AuthError{Reason: "not signed in"}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if domain.IsAuth(err) {
			return "", err
		}
		return "", &domain.AuthError{Reason: "token unavailable", Err: err}
	}

	body, err := sonic.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.RemoteError{Message: genericFailureMsg, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &domain.RemoteError{Status: resp.StatusCode, Message: genericFailureMsg, Err: err}
	}
	var out Response
	// An undecodable body is treated as empty.
	_ = sonic.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = genericFailureMsg
		}
		return "", &domain.RemoteError{Status: resp.StatusCode, Message: msg}
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", &domain.RemoteError{Status: resp.StatusCode, Message: "empty annotation"}
	}
	c.logger.WithFields(log.Fields{"task": in.TaskID, "chars": len(out.Response)}).Debug("annotation received")
	return out.Response, nil
}
