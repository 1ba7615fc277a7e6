package cli

import (
	"errors"
	"testing"

	"github.com/rackops/idrac-tunnel/internal/appconfig"
	"github.com/rackops/idrac-tunnel/internal/tunnel"
)

func TestParsePortRange(t *testing.T) {
	rng, err := parsePortRange("8443-8543")
	if err != nil {
		t.Fatal(err)
	}
	if rng.Start != 8443 || rng.End != 8543 {
		t.Fatalf("unexpected range: %+v", rng)
	}

	for _, bad := range []string{"8443", "a-b", "8543-8443", "80-90", "8443-99999"} {
		if _, err := parsePortRange(bad); !errors.Is(err, tunnel.ErrInvalidInput) {
			t.Errorf("parsePortRange(%q): expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestResolveRangeDefaultsToConfig(t *testing.T) {
	cfg := appconfig.Default()
	rng, err := resolveRange(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if rng != cfg.PortRange {
		t.Fatalf("expected config range %s, got %s", cfg.PortRange, rng)
	}

	rng, err = resolveRange(cfg, "9000-9100")
	if err != nil {
		t.Fatal(err)
	}
	if rng.Start != 9000 || rng.End != 9100 {
		t.Fatalf("override ignored: %+v", rng)
	}
}

func TestConfigGetSetRoundTrip(t *testing.T) {
	cfg := appconfig.Default()

	cases := map[string]string{
		"jump_host":               "jump.example.com",
		"user":                    "admin",
		"default_target_port":     "8443",
		"port_range":              "9000-9100",
		"connect_timeout_seconds": "5",
	}
	for key, value := range cases {
		if err := configSet(&cfg, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
		got, err := configGet(cfg, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if got != value {
			t.Errorf("key %s: set %q, got %q", key, value, got)
		}
	}

	if err := configSet(&cfg, "nope", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := configGet(cfg, "nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestCloseAllOutcome(t *testing.T) {
	cases := []struct {
		sum  tunnel.CloseSummary
		want string
	}{
		{tunnel.CloseSummary{}, "no active tunnels"},
		{tunnel.CloseSummary{Declined: true}, "aborted, nothing closed"},
		{tunnel.CloseSummary{Closed: 3}, "closed 3 tunnels"},
	}
	for _, tc := range cases {
		if got := closeAllOutcome(tc.sum); got != tc.want {
			t.Errorf("closeAllOutcome(%+v) = %q, want %q", tc.sum, got, tc.want)
		}
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()

	want := []string{"create", "list", "close", "close-all", "clean", "config", "console", "events", "interactive"}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}

	// Aliases resolve.
	for cmdName, aliases := range map[string][]string{
		"list":        {"ls", "status"},
		"close-all":   {"kill-all"},
		"interactive": {"menu"},
	} {
		cmd, _, err := root.Find([]string{cmdName})
		if err != nil {
			t.Fatalf("find %s: %v", cmdName, err)
		}
		for _, alias := range aliases {
			if !cmd.HasAlias(alias) {
				t.Errorf("%s missing alias %q", cmdName, alias)
			}
		}
	}
}
