package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	showif "github.com/showif/showif/clients/go"
	showifhttp "github.com/showif/showif/clients/go/http"
)

// helpers

func itemJSON(id, setID, label string, seqno int) string {
	return fmt.Sprintf(`{"id":%q,"setId":%q,"seqno":%d,"label":%q,"answerType":"SINGLE_LINE_TEXT","condition":{"dependsOn":null,"showIf":false,"cascadeHide":false,"group":null}}`,
		id, setID, seqno, label)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *showifhttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return showifhttp.NewHTTPClient(showifhttp.Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-key" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-key")
	}
}

// -- set tests ---------------------------------------------------------------

func TestCreateSet(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sets" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in showif.QuestionSet
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in.Name != "intake" {
			t.Errorf("request name = %q, want intake", in.Name)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"set-1","name":"intake","description":"","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`)
	})
	set, err := c.CreateSet(context.Background(), showif.QuestionSet{Name: "intake"})
	if err != nil {
		t.Fatal(err)
	}
	if set.ID != "set-1" || set.Name != "intake" {
		t.Errorf("unexpected set: %+v", set)
	}
	if set.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestGetSetNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"question-set not found"}`, http.StatusNotFound)
	})
	_, err := c.GetSet(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *showifhttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestListSets(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/sets" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"a","name":"first"},{"id":"b","name":"second"}]`)
	})
	sets, err := c.ListSets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 || sets[0].ID != "a" || sets[1].Name != "second" {
		t.Errorf("unexpected sets: %+v", sets)
	}
}

func TestDeleteSet(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/sets/set-1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteSet(context.Background(), "set-1"); err != nil {
		t.Fatal(err)
	}
}

// -- item tests --------------------------------------------------------------

func TestCreateItem(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sets/set-1/items" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, itemJSON("q1", "set-1", "Do you smoke?", 1))
	})
	item, err := c.CreateItem(context.Background(), showif.Item{
		SetID:      "set-1",
		Label:      "Do you smoke?",
		AnswerType: "SINGLE_LINE_TEXT",
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.ID != "q1" || item.Seqno != 1 {
		t.Errorf("unexpected item: %+v", item)
	}
}

func TestListItems(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sets/set-1/items" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s,%s]", itemJSON("q1", "set-1", "first", 1), itemJSON("q2", "set-1", "second", 2))
	})
	items, err := c.ListItems(context.Background(), "set-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "q1" || items[1].Seqno != 2 {
		t.Errorf("unexpected items: %+v", items)
	}
	if items[0].Condition.DependsOn != nil {
		t.Errorf("expected empty condition, got %+v", items[0].Condition)
	}
}

func TestDeleteItemReturnsClearedConditions(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/sets/set-1/items/q1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"clearedConditions":["q2","q3"]}`)
	})
	cleared, err := c.DeleteItem(context.Background(), "set-1", "q1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 2 || cleared[0] != "q2" || cleared[1] != "q3" {
		t.Errorf("cleared = %v, want [q2 q3]", cleared)
	}
}

func TestMoveItemReturnsWarnings(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sets/set-1/items/q3/move" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in struct {
			Seqno int `json:"seqno"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Seqno != 1 {
			t.Errorf("request seqno = %d (err %v), want 1", in.Seqno, err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"warnings":[{"itemId":"q2","code":"ORDERING_VIOLATION","severity":"warning","message":"depends on a later item"}]}`)
	})
	warnings, err := c.MoveItem(context.Background(), "set-1", "q3", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Code != "ORDERING_VIOLATION" {
		t.Errorf("unexpected warnings: %+v", warnings)
	}
}

// -- condition tests ----------------------------------------------------------

func TestSaveCondition(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/sets/set-1/items/q2/condition" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in showif.Condition
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in.DependsOn == nil || in.DependsOn.ItemID != "q1" {
			t.Errorf("request condition = %+v, want dependency on q1", in)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"condition":{"dependsOn":{"itemId":"q1","operator":"EQUALS","values":["Yes"]},"showIf":true,"cascadeHide":false,"group":null},"advisories":[]}`)
	})
	cond, advisories, err := c.SaveCondition(context.Background(), "set-1", "q2", showif.Condition{
		DependsOn: &showif.DependsOn{ItemID: "q1", Operator: "EQUALS", Values: []string{"Yes"}},
		ShowIf:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cond.DependsOn == nil || cond.DependsOn.Operator != "EQUALS" {
		t.Errorf("unexpected condition: %+v", cond)
	}
	if len(advisories) != 0 {
		t.Errorf("advisories = %+v, want none", advisories)
	}
}

func TestSaveConditionRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"condition would order q2 before its dependency","code":"ORDERING_VIOLATION","itemId":"q2"}`)
	})
	_, _, err := c.SaveCondition(context.Background(), "set-1", "q2", showif.Condition{
		DependsOn: &showif.DependsOn{ItemID: "q3", Operator: "EQUALS", Values: []string{"x"}},
		ShowIf:    true,
	})
	var apiErr *showifhttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 APIError, got %v", err)
	}
}

// -- evaluation tests ---------------------------------------------------------

func TestVisibility(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sets/set-1/visibility" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in struct {
			Answers map[string]any `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in.Answers["q1"] != "Yes" {
			t.Errorf("answers = %v, want q1=Yes", in.Answers)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"visible":{"q1":true,"q2":true,"q3":false}}`)
	})
	visible, err := c.Visibility(context.Background(), "set-1", map[string]any{"q1": "Yes"})
	if err != nil {
		t.Fatal(err)
	}
	if !visible["q2"] || visible["q3"] {
		t.Errorf("unexpected visibility: %v", visible)
	}
}

func TestDependencyMap(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sets/set-1/dependency-map" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"dependencyMap":{"q1":[{"dependentId":"q2","dependentSeqno":2,"operator":"EQUALS","values":["Yes"],"showIf":true,"cascadeHide":true}]},"warnings":[]}`)
	})
	dm, err := c.DependencyMap(context.Background(), "set-1")
	if err != nil {
		t.Fatal(err)
	}
	edges := dm.Edges["q1"]
	if len(edges) != 1 || edges[0].DependentID != "q2" || !edges[0].CascadeHide {
		t.Errorf("unexpected edges: %+v", edges)
	}
	if len(dm.Warnings) != 0 {
		t.Errorf("warnings = %+v, want none", dm.Warnings)
	}
}

// -- SSE streaming tests -----------------------------------------------------

func TestStream(t *testing.T) {
	events := []string{
		"id:1\nevent:condition_saved\ndata:{\"dependsOn\":{\"itemId\":\"q1\",\"operator\":\"EQUALS\",\"values\":[\"Yes\"]},\"showIf\":true}\n\n",
		"id:2\nevent:item_deleted\ndata:{\"clearedConditions\":[\"q2\"]}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauth", http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("set_id"); got != "set-1" {
			t.Errorf("set_id = %q, want set-1", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := showifhttp.NewHTTPClient(showifhttp.Config{BaseURL: srv.URL, APIKey: "test-key"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, "set-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	var received []showif.SetEvent
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(received), received)
	}
	if received[0].Type != "condition_saved" || received[0].EventID != 1 {
		t.Errorf("event 0: %+v", received[0])
	}
	if received[1].Type != "item_deleted" || received[1].EventID != 2 {
		t.Errorf("event 1: %+v", received[1])
	}
	var deleted struct {
		ClearedConditions []string `json:"clearedConditions"`
	}
	if err := json.Unmarshal(received[1].Data, &deleted); err != nil {
		t.Fatalf("unmarshal event data: %v", err)
	}
	if len(deleted.ClearedConditions) != 1 || deleted.ClearedConditions[0] != "q2" {
		t.Errorf("clearedConditions = %v, want [q2]", deleted.ClearedConditions)
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Last-Event-ID")
		if got != "42" {
			t.Errorf("Last-Event-ID: got %q, want %q", got, "42")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// No events; just close.
	}))
	defer srv.Close()

	c := showifhttp.NewHTTPClient(showifhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, "set-1", 42)
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

func TestStreamContextCancellation(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		// Hold open until the request context is cancelled.
		<-r.Context().Done()
		close(done)
	}))
	defer srv.Close()

	c := showifhttp.NewHTTPClient(showifhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Stream(ctx, "set-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Cancel after a brief moment.
	time.AfterFunc(100*time.Millisecond, cancel)

	// Channel should close without hanging.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed as expected
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream channel to close")
		}
	}
}

// -- helpers -----------------------------------------------------------------

func isAPIError(err error, target **showifhttp.APIError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*showifhttp.APIError); ok {
		*target = e
		return true
	}
	return false
}

// Ensure Client satisfies interfaces at compile time.
var _ showif.SetManager = (*showifhttp.Client)(nil)
var _ showif.ItemManager = (*showifhttp.Client)(nil)
var _ showif.ConditionManager = (*showifhttp.Client)(nil)
var _ showif.Evaluator = (*showifhttp.Client)(nil)
var _ showif.Streamer = (*showifhttp.Client)(nil)
