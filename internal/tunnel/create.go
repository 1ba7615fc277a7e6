package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rackops/idrac-tunnel/internal/events"
	"github.com/rackops/idrac-tunnel/internal/ledger"
	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/netstat"
	"github.com/rackops/idrac-tunnel/internal/sshclient"
	"github.com/rackops/idrac-tunnel/internal/util"
)

// Launcher abstracts SSH tunnel process creation for testing.
type Launcher interface {
	Launch(ctx context.Context, req sshclient.LaunchRequest) (int, error)
	ConnectCheck(ctx context.Context, jumpHostSpec string, timeout time.Duration) error
	CommandLine(req sshclient.LaunchRequest) string
}

// CreateOptions carries the operator's choices for one create invocation.
type CreateOptions struct {
	JumpHostSpec      string
	DefaultTargetPort int
	PortRange         model.PortRange
	LocalPort         int // explicit local port request, 0 = auto-probe
	SkipPreCheck      bool
	DryRun            bool
	ConnectTimeout    time.Duration
}

// CreateResult is one target's outcome within a create pass.
type CreateResult struct {
	Target    model.TunnelTarget
	LocalPort int
	PID       int
	Message   string
	Err       error
}

// CreateSummary aggregates a create pass. Failed targets never abort the
// remaining ones; every attempt is made and reported.
type CreateSummary struct {
	Results []CreateResult
	Created int
	Failed  int
}

// Ops composes the prober, launcher and ledger into the create operations.
type Ops struct {
	table    netstat.Table
	ledger   *ledger.Store
	journal  *events.Store
	launcher Launcher
}

// NewOps creates the lifecycle operation layer.
func NewOps(table netstat.Table, led *ledger.Store, journal *events.Store, launcher Launcher) *Ops {
	return &Ops{table: table, ledger: led, journal: journal, launcher: launcher}
}

// ParseTarget parses host[:port] notation. A missing port takes the default.
func ParseTarget(s string, defaultPort int) (model.TunnelTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.TunnelTarget{}, fmt.Errorf("%w: empty target", ErrInvalidInput)
	}
	host, portStr, hasPort := strings.Cut(s, ":")
	if strings.TrimSpace(host) == "" {
		return model.TunnelTarget{}, fmt.Errorf("%w: missing host in %q", ErrInvalidInput, s)
	}
	if strings.Contains(host, "|") {
		return model.TunnelTarget{}, fmt.Errorf("%w: host %q may not contain '|'", ErrInvalidInput, host)
	}
	port := defaultPort
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return model.TunnelTarget{}, fmt.Errorf("%w: bad port in %q", ErrInvalidInput, s)
		}
		if err := util.ValidatePort(p); err != nil {
			return model.TunnelTarget{}, fmt.Errorf("target %q: %w", s, err)
		}
		port = p
	}
	return model.TunnelTarget{Host: host, TargetPort: port}, nil
}

// CreateTunnels creates one tunnel per raw host[:port] target. A single
// target pre-checks the jump host unless skipped; multiple targets always
// pre-check once, then are created sequentially with a short delay between
// creations to avoid port races and simultaneous SSH negotiations.
func (o *Ops) CreateTunnels(ctx context.Context, rawTargets []string, opts CreateOptions) (CreateSummary, error) {
	targets := make([]model.TunnelTarget, 0, len(rawTargets))
	var sum CreateSummary
	for _, raw := range rawTargets {
		t, err := ParseTarget(raw, opts.DefaultTargetPort)
		if err != nil {
			sum.Results = append(sum.Results, CreateResult{Err: err, Message: raw})
			sum.Failed++
			continue
		}
		t.LocalPort = opts.LocalPort
		targets = append(targets, t)
	}
	return o.createTargets(ctx, targets, opts, sum)
}

func (o *Ops) createTargets(ctx context.Context, targets []model.TunnelTarget, opts CreateOptions, sum CreateSummary) (CreateSummary, error) {
	if len(targets) == 0 && sum.Failed == 0 {
		return sum, fmt.Errorf("%w: no targets given", ErrInvalidInput)
	}

	preCheck := len(targets) > 1 || (len(targets) == 1 && !opts.SkipPreCheck)
	if preCheck && !opts.DryRun && len(targets) > 0 {
		if err := o.launcher.ConnectCheck(ctx, opts.JumpHostSpec, opts.ConnectTimeout); err != nil {
			return sum, err
		}
	}

	for i, t := range targets {
		if i > 0 {
			time.Sleep(util.InterCreateDelay)
		}
		res := o.createOne(ctx, t, opts)
		sum.Results = append(sum.Results, res)
		if res.Err != nil {
			sum.Failed++
			slog.Warn("tunnel creation failed", "target", t.Host, "error", res.Err)
			continue
		}
		sum.Created++
	}

	if sum.Failed > 0 {
		return sum, fmt.Errorf("created %d tunnels, %d failed", sum.Created, sum.Failed)
	}
	return sum, nil
}

func (o *Ops) createOne(ctx context.Context, t model.TunnelTarget, opts CreateOptions) CreateResult {
	res := CreateResult{Target: t}

	localPort, err := o.resolveLocalPort(t.LocalPort, opts.PortRange)
	if err != nil {
		res.Err = err
		return res
	}
	res.LocalPort = localPort

	req := sshclient.LaunchRequest{
		LocalPort:    localPort,
		TargetHost:   t.Host,
		TargetPort:   t.TargetPort,
		JumpHostSpec: opts.JumpHostSpec,
	}

	if opts.DryRun {
		res.Message = "would run: " + o.launcher.CommandLine(req)
		return res
	}

	pid, err := o.launcher.Launch(ctx, req)
	if err != nil {
		res.Err = err
		return res
	}
	res.PID = pid

	rec := model.TunnelRecord{
		LocalPort:    localPort,
		TargetHost:   t.Host,
		TargetPort:   t.TargetPort,
		PID:          pid,
		CreatedAt:    time.Now(),
		JumpHostSpec: opts.JumpHostSpec,
	}
	if err := o.ledger.Append(rec); err != nil {
		// The tunnel is up; a ledger miss only degrades future listings.
		slog.Warn("failed to persist tunnel record", "port", localPort, "error", err)
	}
	if o.journal != nil {
		if err := o.journal.Append(events.Event{
			EventType: events.TypeCreated,
			LocalPort: localPort,
			Target:    rec.Target(),
			PID:       pid,
		}); err != nil {
			slog.Warn("failed to record event", "type", events.TypeCreated, "error", err)
		}
	}
	res.Message = fmt.Sprintf("tunnel up: %s -> %s (pid %d)", rec.LocalURL(), rec.Target(), pid)
	return res
}

// resolveLocalPort honors an explicit request when the port is free, falls
// back to probing from the range start when it is taken, and auto-probes
// when no request was made.
func (o *Ops) resolveLocalPort(requested int, rng model.PortRange) (int, error) {
	if requested != 0 {
		if err := util.ValidateLocalPort(requested); err != nil {
			return 0, err
		}
		if netstat.Available(o.table, requested) {
			return requested, nil
		}
		slog.Warn("requested port is taken, probing for another", "port", requested)
	}
	return netstat.FindAvailable(o.table, rng.Start)
}

// CreateFromBatch reads a line-oriented target list and delegates to the
// create pass. Blank lines and #-comments are skipped, inline #-comments are
// stripped, and a per-line "--port N" token overrides the local port for
// that target.
func (o *Ops) CreateFromBatch(ctx context.Context, path string, opts CreateOptions) (CreateSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return CreateSummary{}, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	var targets []model.TunnelTarget
	var sum CreateSummary
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		t, ok, err := parseBatchLine(sc.Text(), opts)
		if err != nil {
			sum.Results = append(sum.Results, CreateResult{Err: err, Message: fmt.Sprintf("%s:%d", path, lineNo)})
			sum.Failed++
			continue
		}
		if !ok {
			continue
		}
		targets = append(targets, t)
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read batch file: %w", err)
	}
	return o.createTargets(ctx, targets, opts, sum)
}

// parseBatchLine parses one batch line into a target. ok is false for blank
// and comment-only lines.
func parseBatchLine(line string, opts CreateOptions) (model.TunnelTarget, bool, error) {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return model.TunnelTarget{}, false, nil
	}

	fields := strings.Fields(line)
	localPort := opts.LocalPort
	var rawTarget string
	for i := 0; i < len(fields); i++ {
		if fields[i] == "--port" {
			if i+1 >= len(fields) {
				return model.TunnelTarget{}, false, fmt.Errorf("%w: --port token without value in %q", ErrInvalidInput, line)
			}
			p, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return model.TunnelTarget{}, false, fmt.Errorf("%w: bad --port value in %q", ErrInvalidInput, line)
			}
			localPort = p
			i++
			continue
		}
		if rawTarget != "" {
			return model.TunnelTarget{}, false, fmt.Errorf("%w: multiple targets on one line: %q", ErrInvalidInput, line)
		}
		rawTarget = fields[i]
	}
	if rawTarget == "" {
		return model.TunnelTarget{}, false, fmt.Errorf("%w: no target in %q", ErrInvalidInput, line)
	}

	t, err := ParseTarget(rawTarget, opts.DefaultTargetPort)
	if err != nil {
		return model.TunnelTarget{}, false, err
	}
	t.LocalPort = localPort
	return t, true, nil
}
