package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/migratectl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordOutcome("checkpointing", "")
	RecordActivationWait(3 * time.Millisecond)
	RecordExecute("checkpointing", 12*time.Millisecond)
	RecordMigrationPoll(false)
	RecordMigrationPoll(true)
	RecordSnapshot(map[string]int{"primary": 65536, "scratch": 4096}, 2*time.Millisecond)
	RecordRestore("scratch", 4096)
}

func TestWriteTextfile(t *testing.T) {
	testlog.Start(t)

	RecordOutcome("completed", "")
	path := filepath.Join(t.TempDir(), "migratectl.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	for _, name := range []string{
		"migratectl_server_outcomes_total",
		`status="completed"`,
	} {
		if !strings.Contains(out, name) {
			t.Fatalf("textfile missing %s:\n%s", name, out)
		}
	}
}

func TestComponentLogger(t *testing.T) {
	testlog.Start(t)

	logger := ComponentLogger("server", "abc")
	logger.Debug().Msg("observability.ComponentLogger ready")
}
