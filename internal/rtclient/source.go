package rtclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/data"
)

const maxPageBytes = 4 << 20

// HTTPSource reads conversation pages from the polling endpoint
// GET /v1/conversations/:id/messages.
type HTTPSource struct {
	base  string
	token string
	limit int
	http  *http.Client
}

// NewHTTPSource targets the API at base (e.g. http://host:8080).
func NewHTTPSource(base, token string, limit int, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		base:  strings.TrimRight(base, "/"),
		token: token,
		limit: limit,
		http:  &http.Client{Timeout: timeout},
	}
}

// MessagePage is one page of the polling endpoint, oldest first.
type MessagePage struct {
	Messages   []*data.Message `json:"messages"`
	NextCursor string          `json:"nextCursor"`
}

type errorBody struct {
	Error  string      `json:"error"`
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

func (s *HTTPSource) LatestMessages(ctx context.Context, conversationID string) ([]*data.Message, error) {
	page, err := s.Page(ctx, conversationID, "")
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// Page fetches one page ending before cursor; an empty cursor is the newest.
func (s *HTTPSource) Page(ctx context.Context, conversationID, cursor string) (MessagePage, error) {
	u := s.base + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if s.limit > 0 {
		q.Set("limit", fmt.Sprint(s.limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return MessagePage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return MessagePage{}, apperr.Unavailable("message poll failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return MessagePage{}, apperr.Unavailable("message poll failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(body, &eb) != nil || eb.Kind == "" {
			return MessagePage{}, apperr.Unavailable(fmt.Sprintf("message poll: unexpected status %d", resp.StatusCode), nil)
		}
		e := apperr.New(eb.Kind, eb.Error)
		e.Reason = eb.Reason
		return MessagePage{}, e
	}

	var page MessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		return MessagePage{}, fmt.Errorf("decode message page: %w", err)
	}
	return page, nil
}
