package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// MockTransport answers tasks from a handler function.
type MockTransport struct {
	handler func(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error)
	calls   atomic.Int32
}

func (m *MockTransport) Execute(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error) {
	m.calls.Add(1)
	return m.handler(ctx, queue, task, args)
}

func blockUntilDone(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestDispatcher(t *testing.T, handler func(context.Context, string, string, map[string]any) (map[string]any, error)) (*Dispatcher, *StaticRegistry) {
	t.Helper()
	reg, err := NewStaticRegistry(map[string]string{
		"node7.vm":  "10.0.0.7:9443",
		"node7.net": "10.0.0.7:9443",
	})
	if err != nil {
		t.Fatalf("NewStaticRegistry() error = %v", err)
	}
	return NewDispatcher(&MockTransport{handler: handler}, reg, time.Second, zap.NewNop()), reg
}

func TestQueueName(t *testing.T) {
	hosts := []string{"node7", "h", "rack1.dc2.example.org"}
	for _, h := range hosts {
		if got := QueueName(h, DriverVM); got != h+".vm" {
			t.Errorf("QueueName(%q, vm) = %q", h, got)
		}
		host, driver, err := ParseQueueName(QueueName(h, DriverNet))
		if err != nil || host != h || driver != DriverNet {
			t.Errorf("ParseQueueName round trip for %q = %q, %q, %v", h, host, driver, err)
		}
	}

	for _, bad := range []string{"", "node7", ".vm", "node7."} {
		if _, _, err := ParseQueueName(bad); err == nil {
			t.Errorf("ParseQueueName(%q) expected error", bad)
		}
	}
}

func TestDispatcher_Submit(t *testing.T) {
	d, _ := newTestDispatcher(t, func(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error) {
		if queue != "node7.vm" || task != "domain_info" {
			t.Errorf("unexpected call %s/%s", queue, task)
		}
		return map[string]any{"state": "RUNNING", "name": args["name"]}, nil
	})

	res, err := d.Submit(context.Background(), "node7.vm", "domain_info", map[string]any{"name": "cloud-1"}, time.Second)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res["state"] != "RUNNING" || res["name"] != "cloud-1" {
		t.Errorf("result = %v", res)
	}
}

func TestDispatcher_SubmitTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, blockUntilDone)

	_, err := d.Submit(context.Background(), "node7.vm", "shutdown", nil, 10*time.Millisecond)
	if !errors.Is(err, domain.ErrRemoteTimeout) {
		t.Fatalf("Submit() error = %v, want ErrRemoteTimeout", err)
	}
	if domain.Classify(err) != domain.ErrorClassTimeout {
		t.Errorf("Classify() = %s, want timeout", domain.Classify(err))
	}
}

func TestDispatcher_SubmitCallerCancelIsNotTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, blockUntilDone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Submit(ctx, "node7.vm", "shutdown", nil, time.Second)
	if errors.Is(err, domain.ErrRemoteTimeout) {
		t.Fatalf("cancelled caller must not be reported as remote timeout: %v", err)
	}
}

func TestDispatcher_SubmitWithDefault(t *testing.T) {
	d, _ := newTestDispatcher(t, blockUntilDone)
	def := map[string]any{"cores": 0}

	res, err := d.SubmitWithDefault(context.Background(), "node7.vm", "node_info", nil, 10*time.Millisecond, def)
	if err != nil {
		t.Fatalf("SubmitWithDefault() error = %v", err)
	}
	if res["cores"] != 0 {
		t.Errorf("result = %v, want default", res)
	}

	boom := &RemoteError{Queue: "node7.vm", Task: "node_info", Message: "libvirt down"}
	d2, _ := newTestDispatcher(t, func(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error) {
		return nil, boom
	})
	if _, err := d2.SubmitWithDefault(context.Background(), "node7.vm", "node_info", nil, time.Second, def); !errors.Is(err, boom) {
		t.Errorf("non-timeout error = %v, want %v", err, boom)
	}
}

func TestDispatcher_CheckQueueActive(t *testing.T) {
	d, reg := newTestDispatcher(t, blockUntilDone)
	ctx := context.Background()

	if !d.CheckQueueActive(ctx, "node7", DriverVM) {
		t.Error("node7.vm should be active")
	}
	if d.CheckQueueActive(ctx, "node7", DriverStorage) {
		t.Error("node7.storage is not advertised")
	}
	if d.CheckQueueActive(ctx, "node8", DriverVM) {
		t.Error("node8 has no active queues")
	}

	reg.Remove("node7.vm")
	if d.CheckQueueActive(ctx, "node7", DriverVM) {
		t.Error("node7.vm was withdrawn")
	}
}

func TestDispatcher_SubmitAsync(t *testing.T) {
	d, _ := newTestDispatcher(t, blockUntilDone)
	pool := NewWorkerPool("localhost.man", 2, 4, zap.NewNop())
	d.AddLocalQueue(pool)
	defer d.Stop(context.Background())

	var ran atomic.Bool
	h, err := d.SubmitAsync(context.Background(), "localhost.man", Job{
		Name: "deploy",
		Run: func(ctx context.Context) error {
			ran.Store(true)
			return errors.New("body failed")
		},
	})
	if err != nil {
		t.Fatalf("SubmitAsync() error = %v", err)
	}
	if h.ID == "" {
		t.Error("handle must carry a job id")
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not finish")
	}
	if !ran.Load() {
		t.Error("job did not run")
	}
	if h.Err() == nil {
		t.Error("handle should expose the job error")
	}

	if _, err := d.SubmitAsync(context.Background(), "node7.vm", Job{Run: func(context.Context) error { return nil }}); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Errorf("SubmitAsync on remote queue error = %v, want ErrQueueNotFound", err)
	}
}

func TestWorkerPool_FullAndStopped(t *testing.T) {
	pool := NewWorkerPool("localhost.man", 1, 1, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	if _, err := pool.Enqueue(Job{ID: "a", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue(a) error = %v", err)
	}
	<-started

	if _, err := pool.Enqueue(Job{ID: "b", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue(b) error = %v", err)
	}
	if _, err := pool.Enqueue(Job{ID: "c", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, domain.ErrResourceExhausted) {
		t.Errorf("Enqueue(c) error = %v, want ErrResourceExhausted", err)
	}

	close(release)
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := pool.Enqueue(Job{ID: "d", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Enqueue after Stop error = %v, want ErrUnavailable", err)
	}
}

func TestWorkerPool_PanicIsContained(t *testing.T) {
	pool := NewWorkerPool("localhost.man", 1, 1, zap.NewNop())
	defer pool.Stop(context.Background())

	h, err := pool.Enqueue(Job{ID: "p", Name: "explode", Run: func(ctx context.Context) error { panic("boom") }})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-h.Done()
	if h.Err() == nil {
		t.Error("panic should surface as handle error")
	}
}

func TestWireRoundTrip(t *testing.T) {
	type disk struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	req := Request{Queue: "node7.storage", Task: "deploy", Args: map[string]any{
		"disk": disk{Source: "/datastore/a.qcow2", Target: "vda"},
	}}

	s, err := ToStruct(req)
	if err != nil {
		t.Fatalf("ToStruct() error = %v", err)
	}
	var back Request
	if err := FromStruct(s, &back); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	var d disk
	if err := DecodeArg(back.Args, "disk", &d); err != nil {
		t.Fatalf("DecodeArg() error = %v", err)
	}
	if back.Task != "deploy" || d.Target != "vda" {
		t.Errorf("round trip = %+v / %+v", back, d)
	}
	if err := DecodeArg(back.Args, "missing", &d); err == nil {
		t.Error("DecodeArg of missing key should fail")
	}
}
