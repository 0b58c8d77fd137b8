package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/engine"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	records       []*engine.Record
	continuations []*core.Continuation
	canceled      []string
	after         string
	count         int
}

func (f *fakeEngine) Instance(id string) (*engine.Record, bool) {
	for _, r := range f.records {
		if r.ID == id {
			return r, true
		}
	}

	return nil, false
}

func (f *fakeEngine) Instances() []*engine.Record {
	return f.records
}

func (f *fakeEngine) Continuations(_ context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	f.after, f.count = afterToken, count
	return f.continuations, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id string) error {
	if _, ok := f.Instance(id); !ok {
		return engine.ErrInstanceNotFound
	}

	f.canceled = append(f.canceled, id)
	return nil
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		records: []*engine.Record{
			{ID: "root", Workflow: "deploy", Status: core.InstanceStatusRunning, RootID: "root"},
			{ID: "child", Workflow: "notify", Status: core.InstanceStatusRunning, ParentID: "root", RootID: "root"},
			{ID: "grandchild", Workflow: "post", Status: core.InstanceStatusRunning, ParentID: "child", RootID: "root"},
			{ID: "other", Workflow: "audit", Status: core.InstanceStatusSucceeded, RootID: "other"},
		},
		continuations: []*core.Continuation{
			{
				Token:      "t1",
				Key:        core.NewCorrelationKey("chat", "payload.message_id"),
				InstanceID: "s1",
				Workflow:   "deploy",
				Instance:   []byte(`{"id":"s1"}`),
				CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				ExpiresAt:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			},
		},
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	return rec
}

func TestRouter_Instances(t *testing.T) {
	h := NewRouter(newFakeEngine(), Options{})

	rec := do(t, h, http.MethodGet, "/instances/")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []*engine.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 4)

	rec = do(t, h, http.MethodGet, "/instances/child")
	require.Equal(t, http.StatusOK, rec.Code)

	var r engine.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	require.Equal(t, "notify", r.Workflow)
	require.Equal(t, core.InstanceStatusRunning, r.Status)

	rec = do(t, h, http.MethodGet, "/instances/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Tree(t *testing.T) {
	h := NewRouter(newFakeEngine(), Options{})

	rec := do(t, h, http.MethodGet, "/instances/grandchild/tree")
	require.Equal(t, http.StatusOK, rec.Code)

	var tree InstanceTree
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tree))
	require.Equal(t, "root", tree.ID)
	require.Len(t, tree.Children, 1)
	require.Equal(t, "child", tree.Children[0].ID)
	require.Len(t, tree.Children[0].Children, 1)
	require.Equal(t, "grandchild", tree.Children[0].Children[0].ID)
}

func TestRouter_Cancel(t *testing.T) {
	e := newFakeEngine()
	h := NewRouter(e, Options{})

	rec := do(t, h, http.MethodPost, "/instances/root/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"root"}, e.canceled)

	rec = do(t, h, http.MethodPost, "/instances/missing/cancel")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/instances/root/cancel")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_Continuations(t *testing.T) {
	e := newFakeEngine()
	h := NewRouter(e, Options{})

	rec := do(t, h, http.MethodGet, "/continuations?after=t0&count=10")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "t0", e.after)
	require.Equal(t, 10, e.count)
	require.NotContains(t, rec.Body.String(), `"instance"`)

	var refs []*ContinuationRef
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&refs))
	require.Len(t, refs, 1)
	require.Equal(t, "t1", refs[0].Token)
	require.Equal(t, "2024-01-02T00:00:00Z", refs[0].ExpiresAt)

	rec = do(t, h, http.MethodGet, "/continuations")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, defaultCount, e.count)

	rec = do(t, h, http.MethodGet, "/continuations?count=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Reload(t *testing.T) {
	rec := do(t, NewRouter(newFakeEngine(), Options{}), http.MethodPost, "/reload")
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	h := NewRouter(newFakeEngine(), Options{
		Reload: func(context.Context) (uint64, error) { return 3, nil },
	})
	rec = do(t, h, http.MethodPost, "/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"version":3}`, rec.Body.String())

	h = NewRouter(newFakeEngine(), Options{
		Reload: func(context.Context) (uint64, error) { return 4, errors.New("rule r: unknown workflow") },
	})
	rec = do(t, h, http.MethodPost, "/reload")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"version":4,"error":"rule r: unknown workflow"}`, rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	rec := do(t, NewRouter(newFakeEngine(), Options{}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusNotFound, rec.Code)

	h := NewRouter(newFakeEngine(), Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("automations_event_received_total 1\n"))
		}),
	})
	rec = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "automations_event_received_total"))
}
