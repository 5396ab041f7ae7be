package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/chainowl/pkg/instance"
	"github.com/wisbric/chainowl/pkg/store"
)

// memStore is an in-memory store for handler and reaper tests.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*instance.Record
	metadata map[string]map[string]any
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		records:  map[string]*instance.Record{},
		metadata: map[string]map[string]any{},
	}
}

func (m *memStore) Register(_ context.Context, rec *instance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.InstanceID]; ok {
		return store.ErrAlreadyExists
	}
	m.records[rec.InstanceID] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, instanceID string) (*instance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[instanceID]
	if !ok {
		return nil, nil
	}
	snapshot := *rec
	snapshot.Metadata = map[string]any{}
	for k, v := range m.metadata[instanceID] {
		snapshot.Metadata[k] = v
	}
	return &snapshot, nil
}

func (m *memStore) GetByExternal(ctx context.Context, externalID string) (*instance.Record, error) {
	m.mu.Lock()
	var id string
	for _, rec := range m.records {
		if rec.ExternalID == externalID {
			id = rec.InstanceID
		}
	}
	m.mu.Unlock()
	if id == "" {
		return nil, nil
	}
	return m.Get(ctx, id)
}

func (m *memStore) List(ctx context.Context) ([]*instance.Record, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []*instance.Record
	for _, id := range ids {
		rec, _ := m.Get(ctx, id)
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) Unregister(_ context.Context, instanceID string) (*instance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[instanceID]
	if !ok {
		return nil, nil
	}
	delete(m.records, instanceID)
	delete(m.metadata, instanceID)
	return rec, nil
}

func (m *memStore) UpdateMetadata(_ context.Context, instanceID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadata[instanceID] == nil {
		m.metadata[instanceID] = map[string]any{}
	}
	for k, v := range patch {
		m.metadata[instanceID][k] = v
	}
	return nil
}

func (m *memStore) GetExpired(_ context.Context, now time.Time) ([]*instance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instance.Record
	for _, rec := range m.records {
		if rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

// memBackend registers records without touching any fabric.
type memBackend struct {
	store     store.Store
	launchErr error
	killed    []string
}

func (b *memBackend) Launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error) {
	existing, err := b.store.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, store.ErrAlreadyExists
	}
	if b.launchErr != nil {
		return nil, b.launchErr
	}

	now := float64(time.Now().Unix())
	nodes := map[string]instance.NodeEndpoint{}
	for id, spec := range req.AnvilInstances {
		nodes[id] = instance.NodeEndpoint{
			ID:                  id,
			IP:                  "10.0.0.2",
			Port:                instance.NodePort,
			ExtraAllowedMethods: spec.ExtraAllowedMethods,
		}
	}
	daemons := map[string]instance.DaemonEndpoint{}
	for id := range req.DaemonInstances {
		daemons[id] = instance.DaemonEndpoint{ID: id}
	}

	rec := &instance.Record{
		InstanceID:      req.InstanceID,
		ExternalID:      instance.NewExternalID(),
		CreatedAt:       now,
		ExpiresAt:       now + float64(req.Timeout),
		AnvilInstances:  nodes,
		DaemonInstances: daemons,
		Metadata:        map[string]any{},
	}
	if err := b.store.Register(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *memBackend) Kill(ctx context.Context, instanceID string) (*instance.Record, error) {
	rec, err := b.store.Unregister(ctx, instanceID)
	if err != nil || rec == nil {
		return rec, err
	}
	b.killed = append(b.killed, instanceID)
	return rec, nil
}

func (b *memBackend) Ping(context.Context) error { return nil }

func newTestRouter(st store.Store, b *memBackend) chi.Router {
	h := NewHandler(st, b, nil, slog.New(slog.DiscardHandler))
	r := chi.NewRouter()
	r.Mount("/instances", h.Routes())
	return r
}

func do(t *testing.T, router chi.Router, method, path, body string) response {
	t.Helper()

	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("%s %s: status = %d, body = %s", method, path, w.Code, w.Body.String())
	}

	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, w.Body.String())
	}
	return resp
}

func recordData(t *testing.T, resp response) *instance.Record {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("re-encoding data: %v", err)
	}
	var rec instance.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	return &rec
}

func TestCreateInstance(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	resp := do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`)
	if !resp.OK {
		t.Fatalf("create failed: %s", resp.Message)
	}

	rec := recordData(t, resp)
	if rec.AnvilInstances["main"].Port != instance.NodePort {
		t.Errorf("main port = %d, want %d", rec.AnvilInstances["main"].Port, instance.NodePort)
	}
	if len(rec.ExternalID) != instance.ExternalIDLength {
		t.Errorf("external id length = %d", len(rec.ExternalID))
	}
}

func TestCreateInstanceConflict(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	body := `{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`
	if resp := do(t, router, http.MethodPost, "/instances", body); !resp.OK {
		t.Fatalf("first create failed: %s", resp.Message)
	}

	resp := do(t, router, http.MethodPost, "/instances", body)
	if resp.OK {
		t.Fatal("second create should fail")
	}
	if resp.Message != "instance already exists" {
		t.Errorf("message = %q, want %q", resp.Message, "instance already exists")
	}
}

func TestCreateInstanceDistinctExternalIDs(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	r1 := recordData(t, do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`))
	r2 := recordData(t, do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i2","timeout":60,"anvil_instances":{"main":{}}}`))

	if r1.ExternalID == r2.ExternalID {
		t.Error("distinct instances should have distinct external ids")
	}
}

func TestCreateInstanceInternalError(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st, launchErr: errors.New("fabric exploded")})

	resp := do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`)
	if resp.OK {
		t.Fatal("create should fail")
	}
	// Details stay in the log.
	if resp.Message != "an internal error occurred" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	for _, body := range []string{
		`{"timeout":60,"anvil_instances":{"main":{}}}`,
		`{"instance_id":"i1","anvil_instances":{"main":{}}}`,
		`{bad json`,
	} {
		resp := do(t, router, http.MethodPost, "/instances", body)
		if resp.OK {
			t.Errorf("create with body %q should fail", body)
		}
	}
}

func TestGetInstanceMissing(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	resp := do(t, router, http.MethodGet, "/instances/nope", "")
	if resp.OK {
		t.Fatal("get of missing instance should fail")
	}
	if resp.Message != "instance does not exist" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestLifecycleRoundTrip(t *testing.T) {
	st := newMemStore()
	b := &memBackend{store: st}
	router := newTestRouter(st, b)

	// Create → Get → Delete → Get yields record, record, ok, not ok.
	created := do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{},"side":{}},"daemon_instances":{"watcher":{"image":"ctf/watcher"}}}`)
	if !created.OK {
		t.Fatalf("create failed: %s", created.Message)
	}

	got := do(t, router, http.MethodGet, "/instances/i1", "")
	if !got.OK {
		t.Fatalf("get failed: %s", got.Message)
	}
	rec := recordData(t, got)
	if len(rec.AnvilInstances) != 2 || len(rec.DaemonInstances) != 1 {
		t.Errorf("record shape = %d nodes, %d daemons", len(rec.AnvilInstances), len(rec.DaemonInstances))
	}

	deleted := do(t, router, http.MethodDelete, "/instances/i1", "")
	if !deleted.OK {
		t.Fatalf("delete failed: %s", deleted.Message)
	}
	if len(b.killed) != 1 || b.killed[0] != "i1" {
		t.Errorf("backend killed = %v", b.killed)
	}

	after := do(t, router, http.MethodGet, "/instances/i1", "")
	if after.OK {
		t.Fatal("get after delete should fail")
	}
}

func TestDeleteMissingInstance(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	resp := do(t, router, http.MethodDelete, "/instances/nope", "")
	if resp.OK {
		t.Fatal("delete of missing instance should fail")
	}
	if resp.Message != "no instance found" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestUpdateMetadataRoundTrip(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	if resp := do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`); !resp.OK {
		t.Fatalf("create failed: %s", resp.Message)
	}

	patch := `{"mnemonic":"word word word","challenge_contracts":[{"name":"Challenge","address":"0xabc"}]}`
	if resp := do(t, router, http.MethodPost, "/instances/i1/metadata", patch); !resp.OK {
		t.Fatalf("metadata update failed: %s", resp.Message)
	}

	got := recordData(t, do(t, router, http.MethodGet, "/instances/i1", ""))
	if got.Metadata["mnemonic"] != "word word word" {
		t.Errorf("metadata mnemonic = %v", got.Metadata["mnemonic"])
	}
	contracts, ok := got.Metadata["challenge_contracts"].([]any)
	if !ok || len(contracts) != 1 {
		t.Errorf("metadata challenge_contracts = %v", got.Metadata["challenge_contracts"])
	}
}

func TestUpdateMetadataMissingInstance(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	resp := do(t, router, http.MethodPost, "/instances/nope/metadata", `{"k":"v"}`)
	if resp.OK {
		t.Fatal("metadata update against missing instance should fail")
	}
	if resp.Message != "instance does not exist" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestListInstances(t *testing.T) {
	st := newMemStore()
	router := newTestRouter(st, &memBackend{store: st})

	resp := do(t, router, http.MethodGet, "/instances", "")
	if !resp.OK {
		t.Fatalf("list failed: %s", resp.Message)
	}
	if data, ok := resp.Data.([]any); !ok || len(data) != 0 {
		t.Errorf("empty list data = %v", resp.Data)
	}

	do(t, router, http.MethodPost, "/instances",
		`{"instance_id":"i1","timeout":60,"anvil_instances":{"main":{}}}`)

	resp = do(t, router, http.MethodGet, "/instances", "")
	data, ok := resp.Data.([]any)
	if !ok || len(data) != 1 {
		t.Errorf("list data = %v", resp.Data)
	}
}
