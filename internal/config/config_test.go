package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/migratectl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migratectl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplateMatchesDefaults(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "migratectl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("template drifted from defaults (-want +got):\n%s", diff)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
entry = "run"
wasi = false

[snapshot]
scratch = "/var/lib/migratectl/scratch.mem"

[spawn]
wait_timeout = "250ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultConfig()
	want.Entry = "run"
	want.WASI = false
	want.ScratchPath = "/var/lib/migratectl/scratch.mem"
	want.Spawn.WaitTimeout = 250 * time.Millisecond
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("overlay mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"unknown key":    `entyr = "run"`,
		"bad duration":   "[spawn]\nwait_timeout = \"soon\"",
		"bad level":      `log_level = "loud"`,
		"empty entry":    `entry = ""`,
		"same snapshots": "[snapshot]\nprimary = \"a\"\nscratch = \"a\"",
		"zero wait":      "[spawn]\nwait_timeout = \"0s\"",
		"malformed toml": `entry = `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}
