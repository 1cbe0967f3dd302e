package config

import (
	"fmt"
	"os"
)

func Template() string {
	return migratectlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(migratectlTemplate), 0o600)
}

const migratectlTemplate = `log_level = "info"
entry = "_start"
wasi = true
metrics_textfile = ""

[snapshot]
primary = "primary.mem"
scratch = "scratch.mem"

[spawn]
wait = true
wait_timeout = "10s"
log_file = ""
`
