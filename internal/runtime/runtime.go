// Package runtime bootstraps a node: it builds the network device from the
// launch configuration and brings the protocol stack up in the mandatory
// order. Every step's failure aborts initialization with a distinct exit
// code.
package runtime

import (
	"fmt"

	"github.com/bristlemouth/bm-sbc/internal/config"
	"github.com/bristlemouth/bm-sbc/internal/device"
	"github.com/bristlemouth/bm-sbc/internal/gateway"
	"github.com/bristlemouth/bm-sbc/internal/platform"
	"github.com/bristlemouth/bm-sbc/internal/stack"
	"github.com/bristlemouth/bm-sbc/internal/status"
	"github.com/bristlemouth/bm-sbc/internal/uart"
	"github.com/bristlemouth/bm-sbc/internal/util"
	"github.com/bristlemouth/bm-sbc/internal/vport"
)

// Startup step exit codes. Configuration errors exit 1 before this package
// runs; 0 is a clean shutdown.
const (
	CodeIdentity = iota + 2
	CodeDevice
	CodeL2
	CodeIP
	CodeBCMP
	CodeTopology
	CodeService
	CodePubSub
	CodeMiddleware
	CodeStatus
	CodeEnable
)

// StartupError carries the failing step and its exit code.
type StartupError struct {
	Step string
	Code int
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s init failed: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ExitCode maps an Init error to the process exit code.
func ExitCode(err error) int {
	if se, ok := err.(*StartupError); ok {
		return se.Code
	}
	return CodeEnable
}

// Runtime is the assembled node.
type Runtime struct {
	Cfg   config.Config
	Ident platform.Identity
	Dev   device.NetworkDevice
	L2    *stack.L2
	IP    *stack.IP
	BCMP  *stack.BCMP
	Topo  *stack.Topology
	PS    *stack.PubSub
	MW    *stack.Middleware
	Svcs  *stack.Services

	statusSrv *status.Server
}

// Init builds and starts the node.
func Init(cfg config.Config) (*Runtime, error) {
	rt := &Runtime{Cfg: cfg}

	// Device identity.
	rt.Ident = platform.NewIdentity(cfg.NodeID)
	if rt.Ident.NodeID == 0 {
		return nil, &StartupError{"identity", CodeIdentity, fmt.Errorf("node identity must be nonzero")}
	}

	// Device construction: IPC alone, or composite when a serial path is
	// configured.
	vpd := vport.New(cfg.NodeID, cfg.SocketDir, cfg.Peers)
	rt.Dev = vpd
	if cfg.UARTPath != "" {
		gw, err := gateway.New(vpd, uart.Config{Path: cfg.UARTPath, Baud: cfg.Baud})
		if err != nil {
			return nil, &StartupError{"device", CodeDevice, err}
		}
		rt.Dev = gw
	}

	// The stack, in its mandatory order. Constructors register their
	// handlers with the switch; nothing ticks until the device is up.
	rt.L2 = stack.NewL2(rt.Dev, cfg.NodeID)
	rt.IP = stack.NewIP(cfg.NodeID)
	rt.BCMP = stack.NewBCMP(rt.L2)
	rt.Topo = stack.NewTopology(rt.Dev.NumPorts())
	rt.BCMP.AttachTopology(rt.Topo)
	rt.PS = stack.NewPubSub()
	rt.MW = stack.NewMiddleware(rt.L2, rt.PS)
	rt.Svcs = stack.NewServices(rt.MW, rt.PS, cfg.NodeID)

	if err := rt.L2.Start(); err != nil {
		rt.teardown()
		return nil, &StartupError{"l2", CodeL2, err}
	}
	rt.BCMP.Start()

	if cfg.StatusAddr != "" {
		srv, err := status.Start(cfg.StatusAddr,
			fmt.Sprintf("%016x", cfg.NodeID), rt.IP.String(), rt.Topo)
		if err != nil {
			rt.Shutdown()
			return nil, &StartupError{"status", CodeStatus, err}
		}
		rt.statusSrv = srv
	}

	util.LogInfo("stack initialized: node=%016x addr=%s ports=%d",
		cfg.NodeID, rt.IP, rt.Dev.NumPorts())
	return rt, nil
}

// Shutdown stops the stack and releases the device.
func (rt *Runtime) Shutdown() {
	if rt.statusSrv != nil {
		rt.statusSrv.Close()
		rt.statusSrv = nil
	}
	rt.BCMP.Stop()
	if err := rt.L2.Stop(); err != nil {
		util.LogError("runtime: device disable: %v", err)
	}
}

// teardown releases the device when startup dies between construction and
// the stack coming up.
func (rt *Runtime) teardown() {
	if err := rt.Dev.Disable(); err != nil {
		util.LogError("runtime: device disable: %v", err)
	}
}
