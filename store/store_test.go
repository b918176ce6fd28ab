package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/nodeflow/core"
)

type storeFactory struct {
	name string
	open func(t *testing.T) WorkflowStore
}

func storeFactories(t *testing.T) []storeFactory {
	t.Helper()

	factories := []storeFactory{
		{name: "memory", open: func(*testing.T) WorkflowStore { return NewMemoryStore() }},
		{name: "sqlite", open: newTestSQLiteStore},
	}
	if dsn := os.Getenv("NODEFLOW_TEST_POSTGRES_DSN"); dsn != "" {
		factories = append(factories, storeFactory{name: "postgres", open: func(t *testing.T) WorkflowStore {
			t.Helper()
			s, err := NewPostgresStore(context.Background(), PostgresStoreConfig{URL: dsn})
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			if _, err := s.db.Exec(`TRUNCATE workflows`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}})
	}
	return factories
}

func newTestSQLiteStore(t *testing.T) WorkflowStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "workflows.sqlite")
	s, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleWorkflow(id, user string) core.Workflow {
	return core.Workflow{
		ID:     id,
		Name:   "Lead intake",
		UserID: user,
		Nodes: []core.Node{
			{ID: "n1", Type: core.NodeTypeGoogleFormTrigger, Position: core.Position{X: 10, Y: 20}},
			{ID: "n2", Type: core.NodeTypeHTTPRequest, Data: map[string]any{"url": "https://example.com"}},
		},
		Connections: []core.Connection{{ID: "c1", Source: "n1", Target: "n2"}},
	}
}

func TestWorkflowStore_CRUD(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t)

			created, err := s.Create(ctx, sampleWorkflow("wf-1", "user-1"))
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
				t.Fatalf("Create() timestamps not set: %+v", created)
			}

			if _, err := s.Create(ctx, sampleWorkflow("wf-1", "user-1")); !errors.Is(err, ErrWorkflowExists) {
				t.Fatalf("Create duplicate error = %v, want ErrWorkflowExists", err)
			}

			got, err := s.Get(ctx, "wf-1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Name != "Lead intake" || got.UserID != "user-1" {
				t.Fatalf("Get() = %+v", got)
			}
			if len(got.Nodes) != 2 || got.Nodes[1].Data["url"] != "https://example.com" {
				t.Fatalf("Get() nodes = %+v", got.Nodes)
			}
			if got.Nodes[0].Position.Y != 20 {
				t.Fatalf("position lost: %+v", got.Nodes[0].Position)
			}
			if len(got.Connections) != 1 || got.Connections[0].Target != "n2" {
				t.Fatalf("Get() connections = %+v", got.Connections)
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("Get missing error = %v, want ErrWorkflowNotFound", err)
			}

			updated, err := s.Update(ctx, "wf-1", got.Nodes[:1], nil)
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if len(updated.Nodes) != 1 || len(updated.Connections) != 0 {
				t.Fatalf("Update() = %+v", updated)
			}
			if updated.Name != "Lead intake" {
				t.Fatalf("Update() changed name to %q", updated.Name)
			}

			renamed, err := s.Rename(ctx, "wf-1", "  Renamed  ")
			if err != nil {
				t.Fatalf("Rename() error = %v", err)
			}
			if renamed.Name != "Renamed" || len(renamed.Nodes) != 1 {
				t.Fatalf("Rename() = %+v", renamed)
			}
			if _, err := s.Rename(ctx, "wf-1", " "); !errors.Is(err, ErrInvalidWorkflow) {
				t.Fatalf("Rename blank error = %v, want ErrInvalidWorkflow", err)
			}
			if _, err := s.Update(ctx, "missing", nil, nil); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("Update missing error = %v", err)
			}
			if _, err := s.Rename(ctx, "missing", "x"); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("Rename missing error = %v", err)
			}

			if err := s.Delete(ctx, "wf-1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(ctx, "wf-1"); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("Delete twice error = %v, want ErrWorkflowNotFound", err)
			}
		})
	}
}

func TestWorkflowStore_CreateGeneratesID(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			wf := sampleWorkflow("", "user-1")
			wf.Nodes, wf.Connections = nil, nil

			created, err := s.Create(context.Background(), wf)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if created.ID == "" {
				t.Fatal("Create() did not assign an id")
			}
			if created.Nodes == nil || created.Connections == nil {
				t.Fatalf("nil graph slices not normalized: %+v", created)
			}

			if _, err := s.Create(context.Background(), core.Workflow{Name: " "}); !errors.Is(err, ErrInvalidWorkflow) {
				t.Fatalf("Create blank name error = %v, want ErrInvalidWorkflow", err)
			}
		})
	}
}

func TestWorkflowStore_ListByUserNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t)

			for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
				wf := sampleWorkflow(id, "user-1")
				wf.CreatedAt = base.Add(time.Duration(i) * time.Hour)
				if _, err := s.Create(ctx, wf); err != nil {
					t.Fatalf("Create(%s) error = %v", id, err)
				}
			}
			if _, err := s.Create(ctx, sampleWorkflow("wf-other", "user-2")); err != nil {
				t.Fatalf("Create(other) error = %v", err)
			}

			list, err := s.List(ctx, "user-1")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var ids []string
			for _, wf := range list {
				ids = append(ids, wf.ID)
			}
			want := []string{"wf-c", "wf-b", "wf-a"}
			if len(ids) != len(want) {
				t.Fatalf("List() ids = %v, want %v", ids, want)
			}
			for i := range want {
				if ids[i] != want[i] {
					t.Fatalf("List() ids = %v, want %v", ids, want)
				}
			}

			all, err := s.List(ctx, "")
			if err != nil {
				t.Fatalf("List(all) error = %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("List(all) len = %d, want 4", len(all))
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Create(ctx, sampleWorkflow("wf-1", "user-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, _ := s.Get(ctx, "wf-1")
	got.Nodes[1].Data["url"] = "https://mutated.example"

	again, _ := s.Get(ctx, "wf-1")
	if again.Nodes[1].Data["url"] != "https://example.com" {
		t.Fatalf("store shared node data with caller: %v", again.Nodes[1].Data)
	}
}

func TestMemoryStore_RejectsUncopyableData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := sampleWorkflow("wf-bad", "user-1")
	wf.Nodes[0].Data = map[string]any{"callback": func() {}}
	if _, err := s.Create(ctx, wf); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("Create() error = %v, want ErrInvalidWorkflow", err)
	}
	if _, err := s.Get(ctx, "wf-bad"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("Get() error = %v, want ErrWorkflowNotFound", err)
	}

	good, err := s.Create(ctx, sampleWorkflow("wf-good", "user-1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	nodes := append([]core.Node(nil), good.Nodes...)
	nodes[0].Data = map[string]any{"ch": make(chan int)}
	if _, err := s.Update(ctx, "wf-good", nodes, good.Connections); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("Update() error = %v, want ErrInvalidWorkflow", err)
	}
	got, err := s.Get(ctx, "wf-good")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got.Nodes[0].Data["ch"]; ok {
		t.Fatal("failed update was stored")
	}
}

func TestFindTrigger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Create(ctx, sampleWorkflow("wf-1", "user-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		check   func(context.Context, WorkflowStore, string) (core.Workflow, core.Node, error)
		wantErr error
		wantID  string
	}{
		{name: "form trigger present", id: "wf-1", check: ValidateFormTrigger, wantID: "n1"},
		{name: "stripe trigger absent", id: "wf-1", check: ValidateStripeTrigger, wantErr: ErrTriggerNotFound},
		{name: "unknown workflow", id: "wf-404", check: ValidateFormTrigger, wantErr: ErrWorkflowNotFound},
		{name: "blank id", id: " ", check: ValidateStripeTrigger, wantErr: ErrInvalidWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, node, err := tt.check(ctx, s, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if node.ID != tt.wantID {
				t.Fatalf("node = %q, want %q", node.ID, tt.wantID)
			}
		})
	}
}

func TestLoader(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Create(ctx, sampleWorkflow("wf-1", "user-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	l := Loader{Store: s}

	wf, err := l.LoadWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("LoadWorkflow() error = %v", err)
	}
	if wf.ID != "wf-1" || len(wf.Nodes) != 2 {
		t.Fatalf("LoadWorkflow() = %+v", wf)
	}
	if _, err := l.LoadWorkflow(ctx, "missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("LoadWorkflow missing error = %v", err)
	}
}
