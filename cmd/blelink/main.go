// Command blelink talks to a BLE serial bridge peripheral: it scans for
// peripherals, sends framed or sealed requests, reads characteristics and
// prints unsolicited notifications.
//
// Usage:
//
//	blelink [-config path] scan
//	blelink [-config path] send [-id ID] [-frame text|command|raw] [-hex] [-no-wait] <payload>
//	blelink [-config path] read [-id ID] [-char UUID]
//	blelink [-config path] monitor [-id ID]
//	blelink [-config path] forget
//	blelink init
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/crypto"
	"github.com/chaz8081/blelink/internal/ble/protocol"
	"github.com/chaz8081/blelink/internal/config"
	"github.com/chaz8081/blelink/internal/store"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelink/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	var logOut io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		defer rotator.Close()
		logOut = rotator
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "scan":
		err = runScan(ctx, cfg)
	case "send":
		err = runSend(ctx, cfg, args)
	case "read":
		err = runRead(ctx, cfg, args)
	case "monitor":
		err = runMonitor(ctx, cfg, args)
	case "forget":
		err = runForget(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blelink [-config path] <scan|send|read|monitor|forget|init> [flags]")
	flag.PrintDefaults()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the connection summary.
func printBanner(cfg *config.Config, p ble.Identity) {
	fmt.Println("=== blelink ===")
	fmt.Printf("  Peripheral: %s\n", p)
	fmt.Printf("  Service:    %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Chars:      %s\n", strings.Join(cfg.BLE.Characteristics, ", "))
	fmt.Printf("  Store:      %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
	fmt.Printf("  Sealed:     %v\n", cfg.Crypto.SharedSecret != "")
	fmt.Println("===============")
}

// session wires the adapter, the store and a Manager together.
type session struct {
	cfg    *config.Config
	store  store.Store
	link   *ble.TinyGoLink
	mgr    *ble.Manager
	states <-chan ble.StateChange
	unsub  func()
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	opts, err := cfg.BLEOptions()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, store: st, link: ble.NewTinyGoLink(cfg.BLE.ReconnectMax)}
	s.mgr = ble.NewManager(s.link, st, opts)
	s.states, s.unsub = s.mgr.States(32)
	s.mgr.Start(ctx)

	if err := s.link.Enable(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	s.unsub()
	if err := s.mgr.Close(); err != nil {
		slog.Warn("closing manager", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

// waitReady drives the Manager to Ready. With an ID it connects to that
// peripheral; otherwise it keeps the remembered one or scans when
// auto-connect is configured.
func (s *session) waitReady(ctx context.Context, id string) (ble.Identity, error) {
	autoConnect := s.cfg.BLE.AutoConnect.Name != "" || s.cfg.BLE.AutoConnect.ManufacturerData != ""
	requested := false
	for {
		select {
		case <-ctx.Done():
			return ble.Identity{}, ctx.Err()
		case sc, ok := <-s.states:
			if !ok {
				return ble.Identity{}, ble.ErrClosed
			}
			slog.Debug("link state", "state", sc.State, "error", sc.Err)

			switch st := sc.State.(type) {
			case ble.Ready:
				if id == "" || strings.EqualFold(st.Peripheral.ID, id) {
					return st.Peripheral, nil
				}
				requested = true
				s.mgr.Connect(ble.Identity{ID: id})
			case ble.Connecting:
				if id != "" && !strings.EqualFold(st.Peripheral.ID, id) && !requested {
					requested = true
					s.mgr.Connect(ble.Identity{ID: id})
				}
			case ble.Disconnected:
				if requested {
					if sc.Err != nil {
						return ble.Identity{}, sc.Err
					}
					return ble.Identity{}, errors.New("no matching peripheral found")
				}
				requested = true
				switch {
				case id != "":
					s.mgr.Connect(ble.Identity{ID: id})
				case autoConnect:
					s.mgr.Scan()
				default:
					return ble.Identity{}, errors.New("no remembered peripheral: pass -id or configure ble.auto_connect")
				}
			case ble.PoweredOff:
				if sc.Err != nil {
					return ble.Identity{}, sc.Err
				}
			}
		}
	}
}

func runScan(ctx context.Context, cfg *config.Config) error {
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sightings, unsub := s.mgr.Sightings(64)
	defer unsub()

	scanning := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sc, ok := <-s.states:
			if !ok {
				return nil
			}
			switch sc.State.(type) {
			case ble.Disconnected:
				if scanning {
					return printPeripherals(ctx, s.mgr)
				}
				scanning = true
				fmt.Printf("Scanning for %s (%s)...\n", cfg.BLE.ServiceUUID, cfg.BLE.ScanTimeout)
				s.mgr.Scan()
			case ble.Connecting:
				// Power on reconnected to the remembered peripheral.
				s.mgr.Disconnect(false)
			}
		case sg, ok := <-sightings:
			if !ok {
				return nil
			}
			if sg.New {
				fmt.Printf("  %-40s %4d dBm  %s\n", sg.Peripheral.ID, sg.RSSI, sg.Peripheral.Name)
			}
		}
	}
}

func printPeripherals(ctx context.Context, mgr *ble.Manager) error {
	list, err := mgr.Peripherals(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d peripheral(s)\n", len(list))
	for _, sg := range list {
		fmt.Printf("  %-40s %4d dBm  %s\n", sg.Peripheral.ID, sg.RSSI, sg.Peripheral.Name)
	}
	return nil
}

func runSend(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	id := fs.String("id", "", "peripheral ID (default: remembered peripheral)")
	frame := fs.String("frame", "text", "framing: text (S<payload>;), command (<payload>;) or raw")
	isHex := fs.Bool("hex", false, "payload is hex encoded bytes, sent unframed")
	noWait := fs.Bool("no-wait", false, "do not wait for a reply")
	high := fs.Bool("priority", false, "enqueue ahead of waiting commands")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("missing payload")
	}
	payload := strings.Join(fs.Args(), " ")

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.waitReady(ctx, *id)
	if err != nil {
		return err
	}
	printBanner(cfg, p)

	char := cfg.BLE.Characteristics[0]
	var (
		req    *ble.Request
		decode ble.ResponseFactory
	)
	switch {
	case cfg.Crypto.SharedSecret != "":
		sealer, err := newSealer(cfg)
		if err != nil {
			return err
		}
		if req, err = sealer.Request(char, []byte(payload), cfg.BLE.FrameSize); err != nil {
			return err
		}
		decode = sealer.ResponseFactory()
	case *isHex:
		data, err := protocol.ParseHex(payload)
		if err != nil {
			return err
		}
		req = ble.NewWriteRequest(char, char, protocol.ChunkBytes(data, cfg.BLE.FrameSize)...)
		decode = protocol.HexResponse
	default:
		d, err := framing(*frame)
		if err != nil {
			return err
		}
		req = protocol.TextRequest(char, d, payload, cfg.BLE.FrameSize)
		decode = protocol.TextResponse(protocol.Delimited{})
	}
	req.Timeout = cfg.BLE.RequestTimeout
	req.Retries = cfg.BLE.Retries
	if *noWait {
		req.WaitsForResponse = false
	}

	return execute(ctx, s.mgr, req, decode, *high)
}

func runRead(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	id := fs.String("id", "", "peripheral ID (default: remembered peripheral)")
	char := fs.String("char", cfg.BLE.Characteristics[0], "characteristic UUID to read")
	fs.Parse(args)

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.waitReady(ctx, *id)
	if err != nil {
		return err
	}
	printBanner(cfg, p)

	req := ble.NewReadRequest(*char)
	req.Timeout = cfg.BLE.RequestTimeout
	req.Retries = cfg.BLE.Retries
	return execute(ctx, s.mgr, req, protocol.HexResponse, false)
}

func execute(ctx context.Context, mgr *ble.Manager, req *ble.Request, decode ble.ResponseFactory, high bool) error {
	done := make(chan *ble.Command, 1)
	cmd := ble.NewCommand(req, func(c *ble.Command) { done <- c })
	cmd.Decode = decode

	start := time.Now()
	mgr.Enqueue(cmd, high)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c := <-done:
		elapsed := time.Since(start).Round(time.Millisecond)
		if c.Err != nil {
			return fmt.Errorf("command %s %s after %s: %w", c.ID, c.Status, elapsed, c.Err)
		}
		fmt.Printf("Command %s %s in %s\n", c.ID, c.Status, elapsed)
		if c.Response != nil {
			fmt.Printf("  Response: %v\n", c.Response)
		}
		if len(c.RawResponse) > 0 {
			fmt.Printf("  Raw:      %s\n", protocol.FormatHex(c.RawResponse))
		}
		return nil
	}
}

func runMonitor(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	id := fs.String("id", "", "peripheral ID (default: remembered peripheral)")
	fs.Parse(args)

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	notes, unsub := s.mgr.Notifications(64)
	defer unsub()

	p, err := s.waitReady(ctx, *id)
	if err != nil {
		return err
	}
	printBanner(cfg, p)
	fmt.Println("Listening for notifications. Ctrl+C to quit.")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Goodbye!")
			return nil
		case sc, ok := <-s.states:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] state %s\n", time.Now().Format(time.TimeOnly), sc.State)
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s %q (%s)\n", time.Now().Format(time.TimeOnly), n.Characteristic, n.Data, protocol.FormatHex(n.Data))
		}
	}
}

func runForget(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.Get(ctx, ble.PeripheralKey)
	if err != nil {
		return err
	}
	if id == "" {
		fmt.Println("No remembered peripheral")
		return nil
	}
	if err := st.Delete(ctx, ble.PeripheralKey); err != nil {
		return err
	}
	fmt.Println("Forgot", id)
	return nil
}

func framing(name string) (protocol.Delimited, error) {
	switch name {
	case "text":
		return protocol.TextFrame, nil
	case "command":
		return protocol.CommandFrame, nil
	case "raw":
		return protocol.Delimited{}, nil
	default:
		return protocol.Delimited{}, fmt.Errorf("unknown framing %q", name)
	}
}

func newSealer(cfg *config.Config) (*crypto.Sealer, error) {
	secret, err := protocol.ParseHex(cfg.Crypto.SharedSecret)
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(secret, cfg.Crypto.Info)
}
