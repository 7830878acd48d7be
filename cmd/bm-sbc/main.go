// bm-sbc runs one mesh node as an ordinary OS process. Peers on the same
// machine exchange L2 frames over datagram sockets; an optional serial
// link bridges a second host. Topology is fixed at launch: every --peer
// occupies the next port slot, in order.
//
// Exit codes: 0 clean shutdown, 1 configuration error, >1 a startup step
// failed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bristlemouth/bm-sbc/internal/app"
	"github.com/bristlemouth/bm-sbc/internal/config"
	"github.com/bristlemouth/bm-sbc/internal/runtime"
	"github.com/bristlemouth/bm-sbc/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bm-sbc: %v\n\n%s", err, config.Usage)
		return 1
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	rt, err := runtime.Init(cfg)
	if err != nil {
		util.LogError("%v", err)
		return runtime.ExitCode(err)
	}
	defer rt.Shutdown()

	node := app.NewMultinode(rt)
	app.Run(ctx, node.Setup, node.Loop)

	util.LogInfo("shutting down")
	return 0
}
