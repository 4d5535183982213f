// Package http provides an HTTP client for the showif conditional question
// display service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	showif "github.com/showif/showif/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the showif server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements showif.SetManager, showif.ItemManager,
// showif.ConditionManager, showif.Evaluator, and showif.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the showif service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireMoveRequest struct {
	Seqno int `json:"seqno"`
}

type wireMoveResponse struct {
	Warnings []showif.Warning `json:"warnings"`
}

type wireDeleteItemResponse struct {
	ClearedConditions []string `json:"clearedConditions"`
}

type wireConditionResponse struct {
	Condition  showif.Condition  `json:"condition"`
	Advisories []showif.Advisory `json:"advisories"`
}

type wireVisibilityRequest struct {
	Answers map[string]any `json:"answers"`
}

type wireVisibilityResponse struct {
	Visible map[string]bool `json:"visible"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("showif: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("showif: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("showif: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeInto[T any](resp *http.Response) (T, error) {
	var out T
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("showif: decode response: %w", err)
	}
	return out, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("showif: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- SetManager --------------------------------------------------------------

func (c *Client) CreateSet(ctx context.Context, set showif.QuestionSet) (showif.QuestionSet, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sets", set)
	if err != nil {
		return showif.QuestionSet{}, err
	}
	return decodeInto[showif.QuestionSet](resp)
}

func (c *Client) GetSet(ctx context.Context, id string) (showif.QuestionSet, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sets/"+url.PathEscape(id), nil)
	if err != nil {
		return showif.QuestionSet{}, err
	}
	return decodeInto[showif.QuestionSet](resp)
}

func (c *Client) ListSets(ctx context.Context) ([]showif.QuestionSet, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sets", nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]showif.QuestionSet](resp)
}

func (c *Client) DeleteSet(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/sets/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- ItemManager -------------------------------------------------------------

func (c *Client) CreateItem(ctx context.Context, item showif.Item) (showif.Item, error) {
	resp, err := c.do(ctx, http.MethodPost, c.itemsPath(item.SetID), item)
	if err != nil {
		return showif.Item{}, err
	}
	return decodeInto[showif.Item](resp)
}

func (c *Client) GetItem(ctx context.Context, setID, itemID string) (showif.Item, error) {
	resp, err := c.do(ctx, http.MethodGet, c.itemPath(setID, itemID), nil)
	if err != nil {
		return showif.Item{}, err
	}
	return decodeInto[showif.Item](resp)
}

func (c *Client) ListItems(ctx context.Context, setID string) ([]showif.Item, error) {
	resp, err := c.do(ctx, http.MethodGet, c.itemsPath(setID), nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]showif.Item](resp)
}

func (c *Client) UpdateItem(ctx context.Context, item showif.Item) (showif.Item, error) {
	resp, err := c.do(ctx, http.MethodPut, c.itemPath(item.SetID, item.ID), item)
	if err != nil {
		return showif.Item{}, err
	}
	return decodeInto[showif.Item](resp)
}

func (c *Client) DeleteItem(ctx context.Context, setID, itemID string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodDelete, c.itemPath(setID, itemID), nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[wireDeleteItemResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.ClearedConditions, nil
}

func (c *Client) MoveItem(ctx context.Context, setID, itemID string, newSeqno int) ([]showif.Warning, error) {
	resp, err := c.do(ctx, http.MethodPost, c.itemPath(setID, itemID)+"/move", wireMoveRequest{Seqno: newSeqno})
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[wireMoveResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Warnings, nil
}

func (c *Client) itemsPath(setID string) string {
	return "/v1/sets/" + url.PathEscape(setID) + "/items"
}

func (c *Client) itemPath(setID, itemID string) string {
	return c.itemsPath(setID) + "/" + url.PathEscape(itemID)
}

// -- ConditionManager --------------------------------------------------------

func (c *Client) SaveCondition(ctx context.Context, setID, itemID string, cond showif.Condition) (showif.Condition, []showif.Advisory, error) {
	resp, err := c.do(ctx, http.MethodPut, c.itemPath(setID, itemID)+"/condition", cond)
	if err != nil {
		return showif.Condition{}, nil, err
	}
	out, err := decodeInto[wireConditionResponse](resp)
	if err != nil {
		return showif.Condition{}, nil, err
	}
	return out.Condition, out.Advisories, nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Visibility(ctx context.Context, setID string, answers map[string]any) (map[string]bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sets/"+url.PathEscape(setID)+"/visibility", wireVisibilityRequest{Answers: answers})
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[wireVisibilityResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Visible, nil
}

func (c *Client) DependencyMap(ctx context.Context, setID string) (showif.DependencyMap, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sets/"+url.PathEscape(setID)+"/dependency-map", nil)
	if err != nil {
		return showif.DependencyMap{}, err
	}
	return decodeInto[showif.DependencyMap](resp)
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream for one question-set and emits SetEvents
// on the returned channel. The channel is closed when ctx is cancelled or the
// connection drops.
func (c *Client) Stream(ctx context.Context, setID string, lastEventID int64) (<-chan showif.SetEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream?set_id="+url.QueryEscape(setID), nil)
	if err != nil {
		return nil, fmt.Errorf("showif: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("showif: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan showif.SetEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed SetEvents to ch.
// It implements the subset of the SSE spec used by the showif server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- showif.SetEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				ev := showif.SetEvent{
					Type:    eventType,
					EventID: eventID,
					Data:    json.RawMessage(strings.Join(dataLines, "\n")),
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
