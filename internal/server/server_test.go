package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/delivery"
	"go.mau.fi/teams-agents/internal/refstore"
	"go.mau.fi/teams-agents/internal/reqctx"
	"go.mau.fi/teams-agents/internal/teams/model"
)

const inboundActivity = `{
	"type": "message",
	"id": "1",
	"serviceUrl": "https://smba.trafficmanager.net/amer/tenant-1/",
	"channelId": "msteams",
	"from": {"id": "29:user", "name": "Ada", "aadObjectId": "00000000-0000-0000-0000-000000000001"},
	"recipient": {"id": "28:bot", "name": "Agent"},
	"conversation": {"id": "a:1xyz", "conversationType": "personal", "tenantId": "tenant-1"},
	"text": "hi"
}`

type fakeMessenger struct {
	req     delivery.Request
	payload delivery.Payload
	result  delivery.Result
}

func (f *fakeMessenger) Send(ctx context.Context, req delivery.Request, payload delivery.Payload) delivery.Result {
	f.req = req
	f.payload = payload
	return f.result
}

func newTestServer(t *testing.T, messenger Messenger, token string) (*Server, *refstore.Store) {
	t.Helper()
	store := refstore.New(refstore.NewFileBackend(filepath.Join(t.TempDir(), "conversations.json"), zerolog.Nop()))
	return New(store, messenger, token, zerolog.Nop()), store
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestMessagesIngestsReference(t *testing.T) {
	srv, store := newTestServer(t, &fakeMessenger{}, "")
	scopes := make(chan reqctx.Scope, 1)
	srv.OnMessage = func(ctx context.Context, activity *model.Activity) {
		scope, _ := reqctx.From(ctx)
		scopes <- scope
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/api/messages", inboundActivity, ""), http.StatusAccepted)

	ref, err := store.GetByID(context.Background(), "a:1xyz")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if ref == nil || ref.UserAADID != "00000000-0000-0000-0000-000000000001" {
		t.Fatalf("expected stored reference with aad id, got %#v", ref)
	}

	select {
	case scope := <-scopes:
		if scope.ConversationID != "a:1xyz" || scope.ServiceURL != "https://smba.trafficmanager.net/amer/tenant-1/" || scope.TenantID != "tenant-1" {
			t.Fatalf("unexpected request scope: %#v", scope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message handler was not called")
	}
}

func TestMessagesRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, &fakeMessenger{}, "")
	expectStatus(t, do(t, srv, http.MethodPost, "/api/messages", "{", ""), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodPost, "/api/messages", `{"type":"message"}`, ""), http.StatusBadRequest)
}

func TestProactive(t *testing.T) {
	messenger := &fakeMessenger{result: delivery.Result{
		OK:         true,
		ActivityID: "activity-1",
		Target:     &delivery.Target{ConversationID: "a:1xyz", ServiceURL: "https://svc/", Source: delivery.SourceStore},
	}}
	srv, _ := newTestServer(t, messenger, "")

	rec := do(t, srv, http.MethodPost, "/api/proactive", `{"to":"user:abc","text":"hello","tenantId":"tenant-1"}`, "")
	expectStatus(t, rec, http.StatusOK)
	if messenger.req.To != "user:abc" || messenger.req.TenantID != "tenant-1" {
		t.Fatalf("unexpected forwarded request: %#v", messenger.req)
	}
	if messenger.payload.Text != "hello" {
		t.Fatalf("unexpected forwarded text %q", messenger.payload.Text)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true || body["activityId"] != "activity-1" {
		t.Fatalf("unexpected response body: %v", body)
	}
}

func TestProactiveFailureReason(t *testing.T) {
	messenger := &fakeMessenger{result: delivery.Result{
		Reason: delivery.ReasonDeliveryTargetUnresolved,
		Err:    delivery.ErrDeliveryTargetUnresolved,
	}}
	srv, _ := newTestServer(t, messenger, "")

	rec := do(t, srv, http.MethodPost, "/api/proactive", `{"to":"abc","text":"hello"}`, "")
	expectStatus(t, rec, http.StatusNotFound)
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["reason"] != "delivery_target_unresolved" {
		t.Fatalf("unexpected reason %v", body["reason"])
	}
	if body["error"] != delivery.ErrDeliveryTargetUnresolved.Error() {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestReferencesEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeMessenger{}, "")
	expectStatus(t, do(t, srv, http.MethodPost, "/api/messages", inboundActivity, ""), http.StatusAccepted)

	rec := do(t, srv, http.MethodGet, "/api/references", "", "")
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Conversations []model.ConversationReference `json:"conversations"`
	}
	decodeBody(t, rec, &list)
	if len(list.Conversations) != 1 {
		t.Fatalf("expected one reference, got %d", len(list.Conversations))
	}

	expectStatus(t, do(t, srv, http.MethodGet, "/api/references/a:1xyz", "", ""), http.StatusOK)
	expectStatus(t, do(t, srv, http.MethodDelete, "/api/references/a:1xyz", "", ""), http.StatusNoContent)
	expectStatus(t, do(t, srv, http.MethodGet, "/api/references/a:1xyz", "", ""), http.StatusNotFound)
}

func TestBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeMessenger{}, "s3cret")
	expectStatus(t, do(t, srv, http.MethodGet, "/api/references", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(t, srv, http.MethodGet, "/api/references", "", "wrong"), http.StatusUnauthorized)
	expectStatus(t, do(t, srv, http.MethodGet, "/api/references", "", "s3cret"), http.StatusOK)
	expectStatus(t, do(t, srv, http.MethodGet, "/health", "", ""), http.StatusOK)
}
