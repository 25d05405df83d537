package main

import (
	"context"
	"os"

	"lmsfetch/cmd/lmsfetch/commands"
	"lmsfetch/lib/osutil"
)

func main() {
	ctx, stop := osutil.SignalContext(context.Background())
	code := commands.ExecuteContext(ctx)
	stop()
	os.Exit(code)
}
