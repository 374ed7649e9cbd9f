package archive

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/athenalab/realtime/internal/config"
	"github.com/athenalab/realtime/internal/model"
)

func testArchiveConfig() config.ArchiveConfig {
	return config.ArchiveConfig{
		Enabled:       true,
		BatchSize:     10,
		FlushInterval: time.Second,
		BufferSize:    100,
	}
}

func TestArchiver_Transform(t *testing.T) {
	a := New(testArchiveConfig(), nil, nil, nil)

	updatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := model.UnifiedContext{
		SessionID: "session-42",
		UpdatedAt: updatedAt,
		Graph:     &model.GraphSnapshot{NodeCount: 7, EdgeCount: 12},
		Agents:    &model.AgentsSnapshot{ActiveCount: 3},
	}

	row, err := a.transform(u)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	if row.SessionID != "session-42" {
		t.Errorf("SessionID = %s, want session-42", row.SessionID)
	}
	if row.UpdatedAt != updatedAt.UnixMicro() {
		t.Errorf("UpdatedAt = %d, want %d", row.UpdatedAt, updatedAt.UnixMicro())
	}

	var decoded model.UnifiedContext
	if err := json.Unmarshal(row.Snapshot, &decoded); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if decoded.Graph == nil || decoded.Graph.NodeCount != 7 {
		t.Errorf("snapshot graph = %+v, want nodeCount 7", decoded.Graph)
	}
	if decoded.Analytics != nil {
		t.Error("missing streams should stay nil in the snapshot")
	}
}

func TestArchiver_BatchAccumulation(t *testing.T) {
	a := New(testArchiveConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		a.handleSnapshot(model.UnifiedContext{
			SessionID: "s",
			UpdatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
	}

	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	if len(a.batch) != 3 {
		t.Errorf("batch length = %d, want 3 (below flush threshold)", len(a.batch))
	}
	if a.metrics.Flushes != 0 {
		t.Errorf("Flushes = %d, want 0", a.metrics.Flushes)
	}
}

type fakeBatchResults struct{}

func (fakeBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.NewCommandTag("INSERT 0 1"), nil }
func (fakeBatchResults) Query() (pgx.Rows, error)         { return nil, nil }
func (fakeBatchResults) QueryRow() pgx.Row                { return nil }
func (fakeBatchResults) Close() error                     { return nil }

type fakeSender struct {
	mu    sync.Mutex
	ctxs  []context.Context
	sizes []int
}

func (f *fakeSender) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxs = append(f.ctxs, ctx)
	f.sizes = append(f.sizes, b.Len())
	return fakeBatchResults{}
}

func TestArchiver_StopFlushesTailBatch(t *testing.T) {
	cfg := testArchiveConfig()
	cfg.FlushInterval = time.Hour

	sender := &fakeSender{}
	in := make(chan model.UnifiedContext, 4)
	a := New(cfg, in, sender, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	in <- model.UnifiedContext{SessionID: "s", UpdatedAt: time.Now()}
	in <- model.UnifiedContext{SessionID: "s", UpdatedAt: time.Now().Add(time.Second)}

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.batchMu.Lock()
		n := len(a.batch)
		a.batchMu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshots were not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.ctxs) != 1 {
		t.Fatalf("flushes sent = %d, want 1", len(sender.ctxs))
	}
	if err := sender.ctxs[0].Err(); err != nil {
		t.Errorf("final flush ran on a finished context: %v", err)
	}
	if sender.sizes[0] != 2 {
		t.Errorf("final batch size = %d, want 2", sender.sizes[0])
	}

	m := a.Stats()
	if m.Flushes != 1 || m.Inserts != 2 {
		t.Errorf("metrics = %+v, want 1 flush with 2 inserts", m)
	}
	if m.Errors != 0 {
		t.Errorf("Errors = %d, want 0", m.Errors)
	}
}
