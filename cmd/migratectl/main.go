// Command migratectl hosts a checkpointable wasm guest and drives it from
// the shell: spawn a worker, activate it, ask it to migrate.
package main

import (
	"os"

	"github.com/danmuck/migratectl/internal/commands"
)

func main() {
	os.Exit(commands.Main(os.Args[1:]))
}
