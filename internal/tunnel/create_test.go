package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rackops/idrac-tunnel/internal/events"
	"github.com/rackops/idrac-tunnel/internal/ledger"
	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/sshclient"
)

// fakeLauncher stands in for the SSH client. Launched requests are recorded;
// pids are handed out sequentially from 5000.
type fakeLauncher struct {
	failLaunch bool
	failCheck  bool
	launched   []sshclient.LaunchRequest
	checks     int
	nextPID    int
}

func (f *fakeLauncher) Launch(ctx context.Context, req sshclient.LaunchRequest) (int, error) {
	if f.failLaunch {
		return 0, sshclient.ErrLaunchFailed
	}
	f.launched = append(f.launched, req)
	if f.nextPID == 0 {
		f.nextPID = 5000
	}
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeLauncher) ConnectCheck(ctx context.Context, jumpHostSpec string, timeout time.Duration) error {
	f.checks++
	if f.failCheck {
		return errors.New("jump host unreachable")
	}
	return nil
}

func (f *fakeLauncher) CommandLine(req sshclient.LaunchRequest) string {
	return (&sshclient.Client{}).CommandLine(req)
}

func testOpts() CreateOptions {
	return CreateOptions{
		JumpHostSpec:      "admin@jump.example.com",
		DefaultTargetPort: 443,
		PortRange:         model.PortRange{Start: 8443, End: 8543},
		ConnectTimeout:    time.Second,
	}
}

func newTestOps(t *testing.T, table *fakeTable, launcher Launcher) (*Ops, *ledger.Store) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	led := ledger.NewStore(filepath.Join(t.TempDir(), "tunnels.ledger"))
	return NewOps(table, led, nil, launcher), led
}

func TestCreateTunnelSkipsOccupiedPort(t *testing.T) {
	table := newFakeTable()
	table.bind(8443, 900, "python3") // unrelated process holds the range start
	launcher := &fakeLauncher{}
	ops, led := newTestOps(t, table, launcher)

	sum, err := ops.CreateTunnels(context.Background(), []string{"idrac1.example.com"}, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	res := sum.Results[0]
	if res.LocalPort != 8444 {
		t.Fatalf("expected local port 8444, got %d", res.LocalPort)
	}
	if !strings.Contains(res.Message, "https://localhost:8444") {
		t.Fatalf("success message missing local URL: %q", res.Message)
	}

	rec, found, err := led.Lookup(8444)
	if err != nil || !found {
		t.Fatalf("ledger lookup: found=%v err=%v", found, err)
	}
	if rec.TargetHost != "idrac1.example.com" || rec.TargetPort != 443 ||
		rec.PID != res.PID || rec.JumpHostSpec != "admin@jump.example.com" {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("ledger record missing creation time")
	}
}

func TestCreateTunnelsAggregatesPerTargetFailures(t *testing.T) {
	launcher := &fakeLauncher{}
	ops, _ := newTestOps(t, newFakeTable(), launcher)

	sum, err := ops.CreateTunnels(context.Background(),
		[]string{"idrac1.example.com", "idrac2.example.com:notaport"}, testOpts())
	if err == nil {
		t.Fatal("expected aggregate error when a target fails")
	}
	if sum.Created != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: created=%d failed=%d", sum.Created, sum.Failed)
	}
	// The good target was still attempted.
	if len(launcher.launched) != 1 || launcher.launched[0].TargetHost != "idrac1.example.com" {
		t.Fatalf("unexpected launches: %+v", launcher.launched)
	}
}

func TestCreateMultipleTargetsPreChecksOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	ops, _ := newTestOps(t, newFakeTable(), launcher)

	if _, err := ops.CreateTunnels(context.Background(),
		[]string{"idrac1.example.com", "idrac2.example.com"}, testOpts()); err != nil {
		t.Fatal(err)
	}
	if launcher.checks != 1 {
		t.Fatalf("expected exactly one pre-check, got %d", launcher.checks)
	}
}

func TestCreateSingleTargetSilentSkipsPreCheck(t *testing.T) {
	launcher := &fakeLauncher{}
	ops, _ := newTestOps(t, newFakeTable(), launcher)

	opts := testOpts()
	opts.SkipPreCheck = true
	if _, err := ops.CreateTunnels(context.Background(), []string{"idrac1.example.com"}, opts); err != nil {
		t.Fatal(err)
	}
	if launcher.checks != 0 {
		t.Fatalf("expected no pre-check, got %d", launcher.checks)
	}
}

func TestCreateAbortsWhenPreCheckFails(t *testing.T) {
	launcher := &fakeLauncher{failCheck: true}
	ops, _ := newTestOps(t, newFakeTable(), launcher)

	_, err := ops.CreateTunnels(context.Background(),
		[]string{"idrac1.example.com", "idrac2.example.com"}, testOpts())
	if err == nil {
		t.Fatal("expected pre-check failure to abort")
	}
	if len(launcher.launched) != 0 {
		t.Fatalf("launches happened despite failed pre-check: %+v", launcher.launched)
	}
}

func TestCreateDryRunDoesNotPersist(t *testing.T) {
	launcher := &fakeLauncher{}
	ops, led := newTestOps(t, newFakeTable(), launcher)

	opts := testOpts()
	opts.DryRun = true
	sum, err := ops.CreateTunnels(context.Background(), []string{"idrac1.example.com"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(launcher.launched) != 0 {
		t.Fatal("dry run must not spawn anything")
	}
	if !strings.Contains(sum.Results[0].Message, "would run: ssh -f -N") {
		t.Fatalf("dry run message missing command: %q", sum.Results[0].Message)
	}
	recs, err := led.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("dry run wrote to the ledger: %+v", recs)
	}
}

func TestCreateExplicitPortFallsBackWhenTaken(t *testing.T) {
	table := newFakeTable()
	table.bind(9000, 900, "python3")
	launcher := &fakeLauncher{}
	ops, _ := newTestOps(t, table, launcher)

	opts := testOpts()
	opts.LocalPort = 9000
	sum, err := ops.CreateTunnels(context.Background(), []string{"idrac1.example.com"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Results[0].LocalPort != 8443 {
		t.Fatalf("expected fallback probe from range start, got %d", sum.Results[0].LocalPort)
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"idrac1.example.com", "idrac1.example.com", 443, false},
		{"idrac2.example.com:8444", "idrac2.example.com", 8444, false},
		{"  idrac3.example.com  ", "idrac3.example.com", 443, false},
		{"", "", 0, true},
		{":443", "", 0, true},
		{"idrac.example.com:notaport", "", 0, true},
		{"idrac.example.com:99999", "", 0, true},
		{"bad|host.example.com", "", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in, 443)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParseTarget(%q): expected ErrInvalidInput, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", tc.in, err)
			continue
		}
		if got.Host != tc.wantHost || got.TargetPort != tc.wantPort {
			t.Errorf("ParseTarget(%q) = %+v", tc.in, got)
		}
	}
}

func TestCreateFromBatch(t *testing.T) {
	launcher := &fakeLauncher{}
	ops, _ := newTestOps(t, newFakeTable(), launcher)

	path := filepath.Join(t.TempDir(), "targets.txt")
	content := strings.Join([]string{
		"# rack 12 iDRACs",
		"",
		"idrac2.example.com:8444 # custom",
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	sum, err := ops.CreateFromBatch(context.Background(), path, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(launcher.launched) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(launcher.launched))
	}
	req := launcher.launched[0]
	if req.TargetHost != "idrac2.example.com" || req.TargetPort != 8444 {
		t.Fatalf("unexpected launch request: %+v", req)
	}
}

func TestParseBatchLinePortOverride(t *testing.T) {
	opts := testOpts()
	tgt, ok, err := parseBatchLine("idrac3.example.com --port 9000 # lab", opts)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if tgt.Host != "idrac3.example.com" || tgt.LocalPort != 9000 || tgt.TargetPort != 443 {
		t.Fatalf("unexpected target: %+v", tgt)
	}

	if _, ok, _ := parseBatchLine("   # comment only", opts); ok {
		t.Fatal("comment-only line must be skipped")
	}
	if _, ok, _ := parseBatchLine("", opts); ok {
		t.Fatal("blank line must be skipped")
	}
	if _, _, err := parseBatchLine("idrac4.example.com --port", opts); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for dangling --port, got %v", err)
	}
}

func TestLifecycleEventsJournaled(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	table := newFakeTable()
	led := ledger.NewStore(filepath.Join(t.TempDir(), "tunnels.ledger"))
	journal := events.NewStore()
	launcher := &fakeLauncher{}
	ops := NewOps(table, led, journal, launcher)
	reg := NewRegistry(table, led, journal)

	sum, err := ops.CreateTunnels(context.Background(), []string{"idrac1.example.com"}, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	res := sum.Results[0]

	// The fake launcher never touches the table; register the spawned
	// process so close can find it.
	table.bind(res.LocalPort, res.PID, "ssh")
	if err := reg.CloseOne(res.LocalPort); err != nil {
		t.Fatal(err)
	}

	evts, err := journal.Read(events.Query{LocalPort: res.LocalPort})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected a created and a closed event, got %+v", evts)
	}
	if evts[0].EventType != events.TypeCreated || evts[0].PID != res.PID ||
		evts[0].Target != "idrac1.example.com:443" {
		t.Fatalf("unexpected created event: %+v", evts[0])
	}
	if evts[1].EventType != events.TypeClosed || evts[1].PID != res.PID {
		t.Fatalf("unexpected closed event: %+v", evts[1])
	}
}

func TestCreateNoTargets(t *testing.T) {
	ops, _ := newTestOps(t, newFakeTable(), &fakeLauncher{})
	_, err := ops.CreateTunnels(context.Background(), nil, testOpts())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
