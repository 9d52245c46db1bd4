// Package platform talks to the School 21 platform REST and GraphQL endpoints.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultBaseURL is the platform origin.
	DefaultBaseURL = "https://platform.21-school.ru"

	campusesPath = "/services/21-school/api/v1/campuses"
	graphQLPath  = "/services/graphql"
	userAgent    = "Mozilla/5.0 (compatible; SchoolNotifier/1.0)"

	probeTimeout   = 10 * time.Second
	requestTimeout = 15 * time.Second
)

const notificationsQuery = `query getUserNotifications($paging: PagingInput!) {
  s21Notification {
    getS21Notifications(paging: $paging) {
      notifications {
        id
        relatedObjectType
        relatedObjectId
        message
        time
        wasRead
        groupName
        __typename
      }
      totalCount
      groupNames
      __typename
    }
    __typename
  }
}`

// Client issues authenticated platform requests for a given bearer token.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	baseURL    string
	attempts   uint
	retryDelay time.Duration
}

// New creates a platform client. A nil client gets a 15s timeout.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:     client,
		logger:     logger,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		attempts:   3,
		retryDelay: time.Second,
	}
}

// ValidateToken probes the campus list. Only HTTP 200 counts as valid; every failure,
// including transport errors, is reported as false.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+campusesPath, http.NoBody)
	if err != nil {
		return false
	}
	setAuthHeaders(req, token)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Token probe failed", "error", err)
		return false
	}
	defer func() {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			c.logger.Debug("Failed to drain probe body", "error", err)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Token probe completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return resp.StatusCode == http.StatusOK
}

// FetchCampuses returns the campus list visible to token.
func (c *Client) FetchCampuses(ctx context.Context, token string) ([]notifier.Campus, error) {
	var body []byte
	err := c.do(ctx, "fetch campuses", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+campusesPath, http.NoBody)
		if err != nil {
			return nil, err
		}
		setAuthHeaders(req, token)
		return req, nil
	}, &body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Campuses []notifier.Campus `json:"campuses"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &notifier.Error{Kind: notifier.KindMalformed, Op: "fetch campuses", Err: fmt.Errorf("decode response: %w", err)}
	}
	c.logger.Info("Campuses fetched", "count", len(resp.Campuses))
	return resp.Campuses, nil
}

type graphQLRequest struct {
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type notificationsResponse struct {
	Data struct {
		S21Notification *struct {
			GetS21Notifications *struct {
				Notifications []notifier.Notification `json:"notifications"`
				TotalCount    int                     `json:"totalCount"`
			} `json:"getS21Notifications"`
		} `json:"s21Notification"`
	} `json:"data"`
	// Errors is nil only when the key is absent or null.
	Errors *[]graphQLError `json:"errors"`
}

// FetchNotifications returns one page of notifications, newest first.
func (c *Client) FetchNotifications(ctx context.Context, token, schoolID string, limit, offset int) ([]notifier.Notification, error) {
	const op = "fetch notifications"

	payload, err := json.Marshal(graphQLRequest{
		OperationName: "getUserNotifications",
		Variables: map[string]any{
			"paging": map[string]int{"offset": offset, "limit": limit},
		},
		Query: notificationsQuery,
	})
	if err != nil {
		return nil, &notifier.Error{Kind: notifier.KindBadRequest, Op: op, Err: err}
	}

	var body []byte
	err = c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+graphQLPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setAuthHeaders(req, token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("schoolid", schoolID)
		req.Header.Set("userrole", "STUDENT")
		return req, nil
	}, &body)
	if err != nil {
		return nil, err
	}

	var resp notificationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &notifier.Error{Kind: notifier.KindMalformed, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Errors != nil {
		msgs := make([]string, 0, len(*resp.Errors))
		for _, e := range *resp.Errors {
			msgs = append(msgs, e.Message)
		}
		if len(msgs) == 0 {
			msgs = append(msgs, "errors field present")
		}
		c.logger.Error("GraphQL errors", "errors", msgs)
		return nil, notifier.Errorf(notifier.KindUpstream, op, "graphql: %s", strings.Join(msgs, "; "))
	}

	var list []notifier.Notification
	if n := resp.Data.S21Notification; n != nil && n.GetS21Notifications != nil {
		list = n.GetS21Notifications.Notifications
	}
	if list == nil {
		list = []notifier.Notification{}
	}
	c.logger.Info("Notifications fetched", "count", len(list), "limit", limit, "offset", offset)
	return list, nil
}

// do sends the request built by newReq, retrying transport failures and 5xx/429 responses.
// On success the response body is stored in out.
func (c *Client) do(ctx context.Context, op string, newReq func() (*http.Request, error), out *[]byte) error {
	var last error
	err := retry.Do(
		func() error {
			body, err := c.send(op, newReq)
			last = err
			if err == nil {
				*out = body
			}
			return err
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying platform request after error", "op", op, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			kind := notifier.KindOf(err)
			return kind == notifier.KindTransport || kind == notifier.KindUpstream
		}),
	)
	if err != nil {
		if last != nil {
			return last
		}
		return &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}
	return nil
}

func (c *Client) send(op string, newReq func() (*http.Request, error)) ([]byte, error) {
	req, err := newReq()
	if err != nil {
		return nil, &notifier.Error{Kind: notifier.KindBadRequest, Op: op, Err: err}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("HTTP request failed", "op", op, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("HTTP request completed",
		"op", op,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, notifier.Errorf(notifier.KindCredentials, op, "HTTP %d: token rejected", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, notifier.Errorf(notifier.KindUpstream, op, "HTTP %d", resp.StatusCode)
	default:
		return nil, notifier.Errorf(notifier.KindBadRequest, op, "HTTP %d", resp.StatusCode)
	}
}

func setAuthHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
}
