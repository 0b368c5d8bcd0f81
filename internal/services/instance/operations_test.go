package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
)

func (e *testEnv) deployed(t *testing.T) *domain.Instance {
	t.Helper()
	inst := e.newInstance(t, 1)
	if _, err := e.call(t, inst.ID, OpDeploy, operation.CallOptions{}); err != nil {
		t.Fatalf("deploy error = %v", err)
	}
	e.remote.Reset()
	return e.reload(t, inst.ID)
}

func TestSleep_RequiresRunning(t *testing.T) {
	env := newTestEnv(t)
	inst := env.newInstance(t, 0)
	before := env.activityCount(t)

	_, err := env.call(t, inst.ID, OpSleep, operation.CallOptions{})
	if !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("sleep error = %v, want ErrWrongState", err)
	}
	if after := env.activityCount(t); after != before {
		t.Errorf("activity count changed from %d to %d", before, after)
	}
}

func TestWakeUp_RequiresSuspended(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)
	before := env.activityCount(t)

	_, err := env.call(t, inst.ID, OpWakeUp, operation.CallOptions{})
	if !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("wake_up error = %v, want ErrWrongState", err)
	}
	if after := env.activityCount(t); after != before {
		t.Errorf("activity count changed from %d to %d", before, after)
	}
}

func TestSleepWakeUp(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	if _, err := env.call(t, inst.ID, OpSleep, operation.CallOptions{}); err != nil {
		t.Fatalf("sleep error = %v", err)
	}
	slept := env.reload(t, inst.ID)
	if slept.State != domain.StateSuspended {
		t.Errorf("State = %s, want SUSPENDED", slept.State)
	}
	if slept.NodeID != "" || slept.VNCPort != 0 {
		t.Errorf("placement not cleared: node=%q vnc=%d", slept.NodeID, slept.VNCPort)
	}
	if slept.MemDumpHost != "node1" {
		t.Errorf("MemDumpHost = %q, want node1", slept.MemDumpHost)
	}
	want := "node1.net destroy,node1.vm sleep"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("sleep calls = %s, want %s", got, want)
	}

	env.remote.Reset()
	exec, err := env.call(t, inst.ID, OpWakeUp, operation.CallOptions{})
	if err != nil {
		t.Fatalf("wake_up error = %v", err)
	}
	woken := env.reload(t, inst.ID)
	if woken.State != domain.StateRunning {
		t.Errorf("State = %s, want RUNNING", woken.State)
	}
	if woken.NodeID == "" || woken.VNCPort == 0 {
		t.Error("wake_up did not place the instance")
	}
	if woken.MemDumpHost != "" {
		t.Errorf("MemDumpHost = %q, want empty", woken.MemDumpHost)
	}
	want = "node1.vm wake_up,node1.net create"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("wake_up calls = %s, want %s", got, want)
	}

	children, err := env.ledger.Children(context.Background(), exec.Activity.ID)
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	var renew *domain.Activity
	for _, c := range children {
		if c.Code == "vm.Instance.wake_up.renew" {
			renew = c
		}
	}
	if renew == nil {
		t.Fatalf("no renew sub-activity among %d children", len(children))
	}
	if renew.UserID != "owner" {
		t.Errorf("renew UserID = %q, want owner", renew.UserID)
	}
	if renew.Succeeded == nil || !*renew.Succeeded {
		t.Error("renew sub-activity did not succeed")
	}
}

func TestSleep_FailurePolicy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState domain.InstanceState
		unknown   bool
	}{
		{name: "timeout", err: fmt.Errorf("%w: node1.vm sleep", domain.ErrRemoteTimeout), wantState: domain.StateRunning, unknown: true},
		{name: "failure", err: errors.New("libvirt: save failed"), wantState: domain.StateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			inst := env.deployed(t)
			env.remote.errs["vm.sleep"] = tt.err

			exec, err := env.call(t, inst.ID, OpSleep, operation.CallOptions{})
			if err == nil {
				t.Fatal("expected sleep to fail")
			}
			if exec.Activity.ResultantState.IsUnknown() != tt.unknown {
				t.Errorf("ResultantState = %s", exec.Activity.ResultantState)
			}
			if got := env.reload(t, inst.ID).State; got != tt.wantState {
				t.Errorf("State = %s, want %s", got, tt.wantState)
			}
		})
	}
}

func TestShutdown_Timeout(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)
	env.remote.errs["vm.shutdown"] = fmt.Errorf("%w: node1.vm shutdown", domain.ErrRemoteTimeout)

	exec, err := env.call(t, inst.ID, OpShutdown, operation.CallOptions{})
	if !errors.Is(err, domain.ErrRemoteTimeout) {
		t.Fatalf("shutdown error = %v, want ErrRemoteTimeout", err)
	}
	act := exec.Activity
	if act.Succeeded == nil || *act.Succeeded {
		t.Error("activity must finish as failed")
	}
	if !act.ResultantState.IsUnknown() {
		t.Errorf("ResultantState = %s, want unknown", act.ResultantState)
	}

	stored, err := env.acts.Get(context.Background(), act.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !stored.ResultantState.IsUnknown() {
		t.Errorf("stored ResultantState = %s, want unknown", stored.ResultantState)
	}

	after := env.reload(t, inst.ID)
	if after.State != domain.StateRunning || after.NodeID == "" {
		t.Errorf("instance changed after timeout: state=%s node=%q", after.State, after.NodeID)
	}
}

func TestShutdown_CallerGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "canceled", err: fmt.Errorf("node1.vm shutdown: %w", context.Canceled)},
		{name: "deadline", err: fmt.Errorf("node1.vm shutdown: %w", context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			inst := env.deployed(t)
			env.remote.errs["vm.shutdown"] = tt.err

			exec, err := env.call(t, inst.ID, OpShutdown, operation.CallOptions{})
			if err == nil {
				t.Fatal("expected shutdown to fail")
			}
			if !exec.Activity.ResultantState.IsUnknown() {
				t.Errorf("ResultantState = %s, want unknown", exec.Activity.ResultantState)
			}
			if got := env.reload(t, inst.ID).State; got != domain.StateRunning {
				t.Errorf("State = %s, want RUNNING", got)
			}
		})
	}
}

func TestShutdown_Failure(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)
	env.remote.errs["vm.shutdown"] = errors.New("libvirt: domain not running")

	exec, err := env.call(t, inst.ID, OpShutdown, operation.CallOptions{})
	if err == nil {
		t.Fatal("expected shutdown to fail")
	}
	if state, ok := exec.Activity.ResultantState.IsConfirmed(); !ok || state != domain.StateError {
		t.Errorf("ResultantState = %s, want ERROR", exec.Activity.ResultantState)
	}
	if got := env.reload(t, inst.ID).State; got != domain.StateError {
		t.Errorf("State = %s, want ERROR", got)
	}
}

func TestShutdown_Success(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	if _, err := env.call(t, inst.ID, OpShutdown, operation.CallOptions{}); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	after := env.reload(t, inst.ID)
	if after.State != domain.StateShutoff {
		t.Errorf("State = %s, want SHUTOFF", after.State)
	}
	if after.NodeID != "" || after.VNCPort != 0 {
		t.Errorf("placement not cleared: node=%q vnc=%d", after.NodeID, after.VNCPort)
	}
	want := "node1.vm shutdown,node1.net destroy"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}

	// A shut off instance can be deployed again.
	if _, err := env.call(t, inst.ID, OpDeploy, operation.CallOptions{}); err != nil {
		t.Errorf("redeploy error = %v", err)
	}
}

func TestShutdown_NoNode(t *testing.T) {
	env := newTestEnv(t)
	inst := env.newInstance(t, 0)

	_, err := env.call(t, inst.ID, OpShutdown, operation.CallOptions{})
	if !errors.Is(err, domain.ErrNoNodeAssigned) {
		t.Errorf("shutdown error = %v, want ErrNoNodeAssigned", err)
	}
}

func TestShutOff(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	if _, err := env.call(t, inst.ID, OpShutOff, operation.CallOptions{}); err != nil {
		t.Fatalf("shut_off error = %v", err)
	}
	if got := env.reload(t, inst.ID).State; got != domain.StateShutoff {
		t.Errorf("State = %s, want SHUTOFF", got)
	}
	want := "node1.vm shut_off,node1.net destroy"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestRebootReset(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	for _, op := range []string{OpReboot, OpReset} {
		exec, err := env.call(t, inst.ID, op, operation.CallOptions{})
		if err != nil {
			t.Fatalf("%s error = %v", op, err)
		}
		if _, ok := exec.Activity.ResultantState.IsConfirmed(); ok {
			t.Errorf("%s set a resultant state", op)
		}
	}
	want := "node1.vm reboot,node1.vm reset"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if got := env.reload(t, inst.ID).State; got != domain.StateRunning {
		t.Errorf("State = %s, want RUNNING", got)
	}
}

func TestMigrate(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	exec, err := env.call(t, inst.ID, OpMigrate, operation.CallOptions{User: admin()})
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if exec.Result != "n2" {
		t.Errorf("result = %v, want n2", exec.Result)
	}
	after := env.reload(t, inst.ID)
	if after.NodeID != "n2" {
		t.Errorf("NodeID = %q, want n2", after.NodeID)
	}
	if after.State != domain.StateRunning {
		t.Errorf("State = %s, want RUNNING", after.State)
	}
	want := "node1.net destroy,node1.vm migrate,node2.net create"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if dest := env.remote.calls[1].Args["dest_host"]; dest != "node2" {
		t.Errorf("dest_host = %v, want node2", dest)
	}
}

func TestMigrate_ExplicitTarget(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)

	_, err := env.call(t, inst.ID, OpMigrate, operation.CallOptions{
		User:   admin(),
		Params: operation.Params{ParamToNode: "n1"},
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("migrate to current node error = %v, want ErrInvalidArgument", err)
	}

	_, err = env.call(t, inst.ID, OpMigrate, operation.CallOptions{
		User:   admin(),
		Params: operation.Params{"to": "n2"},
	})
	if !errors.Is(err, domain.ErrUnexpectedArgument) {
		t.Errorf("migrate with unknown parameter error = %v, want ErrUnexpectedArgument", err)
	}

	if _, err := env.call(t, inst.ID, OpMigrate, operation.CallOptions{
		User:   admin(),
		Params: operation.Params{ParamToNode: "n2"},
	}); err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if got := env.reload(t, inst.ID).NodeID; got != "n2" {
		t.Errorf("NodeID = %q, want n2", got)
	}
}

func TestMigrate_RequiresNode(t *testing.T) {
	env := newTestEnv(t)
	inst := env.newInstance(t, 0)

	_, err := env.call(t, inst.ID, OpMigrate, operation.CallOptions{User: admin()})
	if !errors.Is(err, domain.ErrNoNodeAssigned) {
		t.Errorf("migrate error = %v, want ErrNoNodeAssigned", err)
	}
}

func TestRenew(t *testing.T) {
	env := newTestEnv(t)
	inst := env.newInstance(t, 0)
	start := time.Now()

	if _, err := env.call(t, inst.ID, OpRenew, operation.CallOptions{
		Params: operation.Params{ParamSuspendInterval: "2h", ParamDeleteInterval: float64(7200 * 2)},
	}); err != nil {
		t.Fatalf("renew error = %v", err)
	}
	after := env.reload(t, inst.ID)
	if d := after.TimeOfSuspend.Sub(start); d < 2*time.Hour || d > 2*time.Hour+time.Minute {
		t.Errorf("TimeOfSuspend in %s, want 2h", d)
	}
	if d := after.TimeOfDelete.Sub(start); d < 4*time.Hour || d > 4*time.Hour+time.Minute {
		t.Errorf("TimeOfDelete in %s, want 4h", d)
	}

	_, err := env.call(t, inst.ID, OpRenew, operation.CallOptions{
		Params: operation.Params{ParamSuspendInterval: "soon"},
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("renew with bad interval error = %v, want ErrInvalidArgument", err)
	}
}

func TestDestroy_SuspendedDeletesDump(t *testing.T) {
	env := newTestEnv(t)
	inst := env.deployed(t)
	if _, err := env.call(t, inst.ID, OpSleep, operation.CallOptions{}); err != nil {
		t.Fatalf("sleep error = %v", err)
	}
	env.remote.Reset()

	if _, err := env.call(t, inst.ID, OpDestroy, operation.CallOptions{}); err != nil {
		t.Fatalf("destroy error = %v", err)
	}
	want := "store1.storage destroy_disk,node1.storage delete_dump"
	if got := strings.Join(env.remote.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if got := env.reload(t, inst.ID); got.MemDumpHost != "" || got.State != domain.StateDestroyed {
		t.Errorf("after destroy: dump host %q state %s", got.MemDumpHost, got.State)
	}
}
