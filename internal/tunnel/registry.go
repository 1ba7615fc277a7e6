// Package tunnel implements the tunnel lifecycle core: creating tunnels
// through the SSH launcher, reconciling ledger state against the live OS
// process/port table, and closing or cleaning what reconciliation finds.
//
// The OS table is the only existence authority. The ledger is consulted for
// descriptive metadata the OS does not retain (target host, creation time)
// and is tolerated stale: listings left-join OS reality with ledger
// enrichment rather than trusting bookkeeping over reality.
package tunnel

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rackops/idrac-tunnel/internal/events"
	"github.com/rackops/idrac-tunnel/internal/ledger"
	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/netstat"
	"github.com/rackops/idrac-tunnel/internal/util"
)

// UnknownHost is the placeholder reported for live tunnels whose ledger
// provenance was lost.
const UnknownHost = "unknown"

// Registry reconciles the ledger against the live OS table.
type Registry struct {
	table   netstat.Table
	ledger  *ledger.Store
	journal *events.Store
}

// NewRegistry creates a registry over the given table, ledger and journal.
func NewRegistry(table netstat.Table, led *ledger.Store, journal *events.Store) *Registry {
	return &Registry{table: table, ledger: led, journal: journal}
}

// CloseSummary aggregates the outcome of a close-all pass. Declined is set
// when the operator refused the confirmation, so callers can tell "declined"
// apart from "nothing was active".
type CloseSummary struct {
	Closed   int
	Failed   int
	Declined bool
}

// ListActive computes the authoritative set of live tunnels in the range,
// ordered by ascending port. Existence comes from the OS table alone: a port
// counts only when its bound process is an ssh client. The ledger fills in
// metadata; a live tunnel with no record is still reported, with unknown
// placeholders.
func (r *Registry) ListActive(rng model.PortRange) ([]model.ActiveTunnel, error) {
	index, err := r.ledgerIndex()
	if err != nil {
		return nil, err
	}

	var out []model.ActiveTunnel
	for port := rng.Start; port <= rng.End; port++ {
		pid, ok := r.table.PIDForPort(port)
		if !ok {
			continue
		}
		if !r.ownedBySSH(pid) {
			continue
		}
		out = append(out, mergeActive(port, pid, index))
	}
	return out, nil
}

// mergeActive joins one OS-observed listener with its ledger record, if any.
func mergeActive(port, pid int, index map[int]model.TunnelRecord) model.ActiveTunnel {
	at := model.ActiveTunnel{
		LocalPort:  port,
		PID:        pid,
		TargetHost: UnknownHost,
	}
	rec, ok := index[port]
	if !ok {
		return at
	}
	at.TargetHost = rec.TargetHost
	at.TargetPort = rec.TargetPort
	at.CreatedAt = rec.CreatedAt
	at.JumpHostSpec = rec.JumpHostSpec
	at.Known = true
	return at
}

// ledgerIndex loads the ledger once and keeps the latest record per port.
func (r *Registry) ledgerIndex() (map[int]model.TunnelRecord, error) {
	recs, err := r.ledger.All()
	if err != nil {
		return nil, err
	}
	index := make(map[int]model.TunnelRecord, len(recs))
	for _, rec := range recs {
		index[rec.LocalPort] = rec
	}
	return index, nil
}

// ownedBySSH requires the command name to be exactly "ssh": a substring
// match would also claim sshd or ssh-agent, and those must never be
// reported as tunnels or signaled by close.
func (r *Registry) ownedBySSH(pid int) bool {
	return r.table.CommandName(pid) == "ssh"
}

// CloseOne terminates the tunnel on port. The bound process gets SIGTERM, a
// short grace period, then SIGKILL if it still reports alive. The ledger
// record is removed regardless of which signal succeeded — the port is being
// relinquished either way.
func (r *Registry) CloseOne(port int) error {
	pid, ok := r.table.PIDForPort(port)
	if !ok {
		return fmt.Errorf("%w %d", ErrNotFound, port)
	}
	if !r.ownedBySSH(pid) {
		return fmt.Errorf("%w: port %d is held by %q (pid %d)", ErrNotOwned, port, util.EmptyDash(r.table.CommandName(pid)), pid)
	}

	if err := r.table.Terminate(pid); err != nil {
		slog.Debug("SIGTERM failed", "pid", pid, "error", err)
	}
	time.Sleep(util.TermGrace)
	var killErr error
	if r.table.ProcessAlive(pid) {
		slog.Debug("escalating to SIGKILL", "pid", pid, "port", port)
		killErr = r.table.Kill(pid)
	}

	// The port is being relinquished either way, so the record goes even if
	// the forceful signal failed.
	if err := r.ledger.Remove(port); err != nil {
		slog.Warn("failed to remove ledger record", "port", port, "error", err)
	}
	if killErr != nil {
		r.recordEvent(events.Event{EventType: events.TypeCloseFailed, LocalPort: port, PID: pid, Message: killErr.Error()})
		return fmt.Errorf("kill pid %d on port %d: %w", pid, port, killErr)
	}
	r.recordEvent(events.Event{EventType: events.TypeClosed, LocalPort: port, PID: pid})
	return nil
}

// CloseAll closes every active tunnel in the range. When confirm is non-nil
// it is asked once with the tunnel count before anything is signaled. The
// summary reports per-tunnel outcomes; the error is non-nil if any close
// failed.
func (r *Registry) CloseAll(rng model.PortRange, confirm func(int) bool) (CloseSummary, error) {
	active, err := r.ListActive(rng)
	if err != nil {
		return CloseSummary{}, err
	}
	if len(active) == 0 {
		return CloseSummary{}, nil
	}
	if confirm != nil && !confirm(len(active)) {
		return CloseSummary{Declined: true}, nil
	}

	var sum CloseSummary
	for _, at := range active {
		if err := r.CloseOne(at.LocalPort); err != nil {
			slog.Warn("close failed", "port", at.LocalPort, "error", err)
			sum.Failed++
			continue
		}
		sum.Closed++
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("closed %d tunnels, %d failed", sum.Closed, sum.Failed)
	}
	return sum, nil
}

// CleanStale compacts the ledger, dropping every record whose process id is
// dead or missing, and returns the number removed. Running it twice in a row
// removes nothing the second time.
func (r *Registry) CleanStale() (int, error) {
	removed, err := r.ledger.Compact(func(rec model.TunnelRecord) bool {
		return rec.PID > 0 && r.table.ProcessAlive(rec.PID)
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.recordEvent(events.Event{EventType: events.TypeCleaned, Message: fmt.Sprintf("removed %d stale records", removed)})
	}
	return removed, nil
}

// recordEvent appends to the journal best-effort; an unwritable journal
// never fails the operation that produced the event.
func (r *Registry) recordEvent(evt events.Event) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(evt); err != nil {
		slog.Warn("failed to record event", "type", evt.EventType, "error", err)
	}
}
