package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/relay"
)

const defaultMaxRetries = 3

// Client talks to the broker's /api surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries bounds how often a request is resent after a transport error or a 502/503/504.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// APIError is a non-2xx answer. It unwraps to the matching errval sentinel.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return errval.ErrInvalidInput
	case http.StatusNotFound:
		return errval.ErrNotFound
	case http.StatusConflict:
		return errval.ErrConflict
	case http.StatusLocked:
		return errval.ErrLockHeld
	}
	return errval.ErrInternal
}

func retryable(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	target := c.baseURL + "/api" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
			var msg struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(raw, &msg) == nil && msg.Error != "" {
				apiErr.Message = msg.Error
			}
			if retryable(resp.StatusCode) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s %s: %w", method, path, err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, b)
}

type CreateTaskRequest struct {
	TaskID     string  `json:"taskId,omitempty"`
	Content    string  `json:"content"`
	SessionID  string  `json:"sessionId,omitempty"`
	Priority   *string `json:"priority,omitempty"`
	TaskType   *string `json:"taskType,omitempty"`
	MaxRetries *int    `json:"maxRetries,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.RouterResponseAddTask, error) {
	out := &domain.RouterResponseAddTask{}
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	out := &domain.Task{}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, consumerID, name string) (*domain.Consumer, error) {
	out := &domain.Consumer{}
	err := c.do(ctx, http.MethodPost, "/consumers/register", nil, domain.RouterRequestRegister{ConsumerID: consumerID, Name: name}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, consumerID, taskID, name string) (*domain.Consumer, error) {
	out := &domain.Consumer{}
	err := c.do(ctx, http.MethodPost, "/consumers/heartbeat", nil, domain.RouterRequestHeartbeat{ConsumerID: consumerID, TaskID: taskID, Name: name}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unregister returns the ids of the tasks the broker put back in the queue.
func (c *Client) Unregister(ctx context.Context, consumerID string) ([]string, error) {
	var out struct {
		ReleasedTaskIDs []string `json:"releasedTaskIds"`
	}
	if err := c.do(ctx, http.MethodPost, "/consumers/unregister", nil, domain.RouterRequestUnregister{ConsumerID: consumerID}, &out); err != nil {
		return nil, err
	}
	return out.ReleasedTaskIDs, nil
}

func (c *Client) Next(ctx context.Context, consumerID string, preferReadOnly bool) (*domain.ClaimResult, error) {
	q := url.Values{}
	q.Set("consumerId", consumerID)
	if preferReadOnly {
		q.Set("preferReadOnly", "true")
	}

	out := &domain.ClaimResult{}
	if err := c.do(ctx, http.MethodGet, "/tasks/next", q, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

type completion struct {
	Task    *domain.Task          `json:"task"`
	Outcome domain.FailureOutcome `json:"outcome"`
}

func (c *Client) Complete(ctx context.Context, taskID, consumerID, response string) (*domain.Task, error) {
	out := &completion{}
	req := domain.RouterRequestComplete{ConsumerID: consumerID, Response: &response}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", nil, req, out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

func (c *Client) Fail(ctx context.Context, taskID, consumerID, errMsg string) (*domain.Task, domain.FailureOutcome, error) {
	out := &completion{}
	req := domain.RouterRequestComplete{ConsumerID: consumerID, Error: &errMsg}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", nil, req, out); err != nil {
		return nil, "", err
	}
	return out.Task, out.Outcome, nil
}

func (c *Client) Release(ctx context.Context, taskID, consumerID string) (*domain.Task, error) {
	out := &domain.Task{}
	req := domain.RouterRequestRelease{ConsumerID: consumerID}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/release", nil, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LockStatus(ctx context.Context) (*domain.LockStatus, error) {
	out := &domain.LockStatus{}
	if err := c.do(ctx, http.MethodGet, "/lock", nil, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

type LockRelease struct {
	Released bool               `json:"released"`
	Previous *domain.LockStatus `json:"previous,omitempty"`
	Lock     *domain.LockStatus `json:"lock,omitempty"`
}

// ReleaseLock frees the write lock. With force the holder is ignored.
func (c *Client) ReleaseLock(ctx context.Context, consumerID string, force bool) (*LockRelease, error) {
	out := &LockRelease{}
	req := domain.RouterRequestLockRelease{ConsumerID: consumerID, Force: force}
	if err := c.do(ctx, http.MethodDelete, "/lock", nil, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResetProcessing(ctx context.Context, mode relay.ResetMode) (*relay.ResetResult, error) {
	out := &relay.ResetResult{}
	req := domain.RouterRequestResetProcessing{Mode: string(mode)}
	if err := c.do(ctx, http.MethodPost, "/tasks/reset-processing", nil, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDeadLetters(ctx context.Context, limit, offset int) ([]domain.DeadLetter, int, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var out struct {
		DeadLetters []domain.DeadLetter `json:"deadLetters"`
		Total       int                 `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/dead-letters", q, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.DeadLetters, out.Total, nil
}

func (c *Client) RetryDeadLetter(ctx context.Context, id string) (*domain.Task, error) {
	out := &domain.Task{}
	if err := c.do(ctx, http.MethodPost, "/dead-letters/"+url.PathEscape(id)+"/retry", nil, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err is a 404 from the broker.
func IsNotFound(err error) bool {
	return errors.Is(err, errval.ErrNotFound)
}
