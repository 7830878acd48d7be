// Package config holds the launch configuration: CLI flags, an optional
// YAML file, and validation. Flags given on the command line override file
// values.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bristlemouth/bm-sbc/internal/uart"
)

// Config is the validated launch configuration.
type Config struct {
	NodeID     uint64   // required, unique among running peers
	Peers      []uint64 // ordered: peer i occupies port i+1
	SocketDir  string   // directory for the datagram socket files
	UARTPath   string   // non-empty enables gateway mode
	Baud       int      // serial line rate, whitelist-checked
	StatusAddr string   // non-empty enables the status endpoint
	Debug      bool
}

// fileConfig mirrors Config for the optional YAML file. Identities are hex
// strings to match the CLI surface.
type fileConfig struct {
	NodeID     string   `yaml:"node_id"`
	Peers      []string `yaml:"peers"`
	SocketDir  string   `yaml:"socket_dir"`
	UARTPath   string   `yaml:"uart_path"`
	Baud       int      `yaml:"baud"`
	StatusAddr string   `yaml:"status_addr"`
}

// hexIDFlag collects repeatable --peer values.
type hexIDFlag []uint64

func (h *hexIDFlag) String() string {
	parts := make([]string, len(*h))
	for i, id := range *h {
		parts[i] = fmt.Sprintf("%016x", id)
	}
	return strings.Join(parts, ",")
}

func (h *hexIDFlag) Set(s string) error {
	id, err := parseHexID(s)
	if err != nil {
		return err
	}
	*h = append(*h, id)
	return nil
}

func parseHexID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex node identity %q", s)
	}
	return id, nil
}

// Usage is the help text printed on configuration errors.
const Usage = `usage: bm-sbc --node-id <hex64> [options]

  --node-id <hex64>      this node's identity (required)
  --peer <hex64>         a directly connected peer; repeatable, up to 15,
                         order assigns ports 1..15
  --socket-dir <path>    directory for datagram socket files (default /tmp)
  --uart <path>          serial device; enables gateway mode
  --baud <rate>          serial rate: 9600/19200/38400/57600/115200/230400
                         (default 115200)
  --config <file>        YAML file with the same settings; flags override
  --status-addr <addr>   serve a live status WebSocket on addr
  --debug                verbose diagnostics
`

// Parse reads args into a validated Config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("bm-sbc", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	nodeID := fs.String("node-id", "", "")
	var peers hexIDFlag
	fs.Var(&peers, "peer", "")
	socketDir := fs.String("socket-dir", "", "")
	uartPath := fs.String("uart", "", "")
	baud := fs.Int("baud", 0, "")
	configPath := fs.String("config", "", "")
	statusAddr := fs.String("status-addr", "", "")
	debug := fs.Bool("debug", false, "")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	cfg := Config{
		SocketDir: "/tmp",
		Baud:      uart.DefaultBaud,
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Flags given explicitly on the command line win over file values.
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			id, err := parseHexID(*nodeID)
			if err != nil {
				flagErr = err
				return
			}
			cfg.NodeID = id
		case "peer":
			cfg.Peers = []uint64(peers)
		case "socket-dir":
			cfg.SocketDir = *socketDir
		case "uart":
			cfg.UARTPath = *uartPath
		case "baud":
			cfg.Baud = *baud
		case "status-addr":
			cfg.StatusAddr = *statusAddr
		case "debug":
			cfg.Debug = *debug
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into cfg.
func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.NodeID != "" {
		id, err := parseHexID(fc.NodeID)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg.NodeID = id
	}
	for _, p := range fc.Peers {
		id, err := parseHexID(p)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Peers = append(cfg.Peers, id)
	}
	if fc.SocketDir != "" {
		cfg.SocketDir = fc.SocketDir
	}
	if fc.UARTPath != "" {
		cfg.UARTPath = fc.UARTPath
	}
	if fc.Baud != 0 {
		cfg.Baud = fc.Baud
	}
	if fc.StatusAddr != "" {
		cfg.StatusAddr = fc.StatusAddr
	}
	return nil
}

// validate enforces the launch contract. Extra peers past the fifteen-slot
// cap are not an error here; device construction drops them with a warning.
func (c *Config) validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("--node-id is required")
	}
	if c.SocketDir == "" {
		return fmt.Errorf("--socket-dir must not be empty")
	}
	if !uart.SupportedBaud(c.Baud) {
		return fmt.Errorf("unsupported baud rate %d", c.Baud)
	}
	for _, p := range c.Peers {
		if p == c.NodeID {
			return fmt.Errorf("peer %016x is this node's own identity", p)
		}
	}
	return nil
}
