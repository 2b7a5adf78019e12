package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanbridge/internal/config"
	"lanbridge/internal/control"
	"lanbridge/internal/discovery"
	"lanbridge/internal/identity"
	"lanbridge/internal/metrics"
	"lanbridge/internal/relay"
	"lanbridge/internal/store"
	"lanbridge/internal/stunutil"
)

const usage = `lanbridge - LAN traffic bridge into an HTTP inspection proxy

Usage:
  lanbridge serve --config <path> [--log-level debug|info|warn|error]
  lanbridge status [--control <url>] [--config <path>]
  lanbridge enable [--control <url>] [--config <path>]
  lanbridge disable [--control <url>] [--config <path>]
  lanbridge devices [--control <url>] [--config <path>]
  lanbridge history [--control <url>] [--config <path>] [--limit N]
  lanbridge identity show --config <path>
  lanbridge identity regenerate --config <path>
  lanbridge pairings list [--control <url>] [--config <path>]
  lanbridge pairings purge [--control <url>] [--config <path>]
  lanbridge pairings auto-reconnect --device <id> --enabled true|false [--control <url>]
  lanbridge stats --config <path> [--window 5m]
  lanbridge export csv --config <path> --out <file>
  lanbridge doctor --config <path>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "enable":
		handleToggle(os.Args[2:], true)
	case "disable":
		handleToggle(os.Args[2:], false)
	case "devices":
		handleDevices(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	case "identity":
		handleIdentity(os.Args[2:])
	case "pairings":
		handlePairings(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	bridge := cfg.Bridge

	log := newLogger(*logLevel)

	ident, err := identity.LoadOrGenerate(bridge.DataDir, bridge.DeviceName)
	if err != nil {
		fatal(fmt.Errorf("identity: %w (check data_dir permissions, or remove a corrupt identity.key/identity.crt pair)", err))
	}

	relayID, err := loadRelayID(bridge.DataDir)
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(bridge.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	var ann relay.Announcer
	if bridge.Discovery == nil || *bridge.Discovery {
		ann = discovery.New(log)
	}

	id := relay.Identity{
		RelayID:     relayID,
		DeviceName:  bridge.DeviceName,
		Fingerprint: ident.Fingerprint,
	}
	r := relay.New(*bridge, id, st, ann, log)

	ctrl := control.NewServer(bridge.ControlListen, control.Info{
		DeviceName:      bridge.DeviceName,
		RelayID:         relayID,
		CertFingerprint: ident.Fingerprint,
		ListenPort:      bridge.ListenPort,
		RelayTarget:     net.JoinHostPort(bridge.RelayTargetHost, strconv.Itoa(bridge.RelayTargetPort)),
	}, r, st, log)

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			log.Error().Err(err).Msg("control API failed")
			cancel()
		}
	}()

	log.Info().
		Str("device", bridge.DeviceName).
		Str("fingerprint", ident.Fingerprint).
		Msg("starting bridge")
	if err := r.Run(ctx); err != nil {
		fatal(err)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	resp, err := client.Status(context.Background())
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stdout, "status=%s device=%s relay_id=%s\n", resp.Status, resp.DeviceName, resp.RelayID)
	fmt.Fprintf(os.Stdout, "listen_port=%d relay_target=%s\n", resp.ListenPort, resp.RelayTarget)
	fmt.Fprintf(os.Stdout, "devices=%d connections=%d\n", resp.ActiveDevices, resp.ActiveConnections)
	fmt.Fprintf(os.Stdout, "fingerprint=%s\n", resp.CertFingerprint)
}

func handleToggle(args []string, enable bool) {
	name := "disable"
	if enable {
		name = "enable"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	ctx := context.Background()

	var err error
	if enable {
		err = client.Enable(ctx)
	} else {
		err = client.Disable(ctx)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "bridge %sd\n", name)
}

func handleDevices(args []string) {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	resp, err := client.Devices(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(resp.Devices) == 0 {
		fmt.Fprintln(os.Stdout, "no connected devices")
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-15s  %-6s  %-10s  %-10s  %-20s\n",
		"DEVICE_ID", "IP", "CONNS", "SENT", "RECEIVED", "CONNECTED")
	for _, d := range resp.Devices {
		fmt.Fprintf(os.Stdout, "%-36s  %-15s  %-6d  %-10d  %-10d  %-20s\n",
			d.ID, d.IP, d.Connections, d.BytesSent, d.BytesReceived,
			d.ConnectedAt.UTC().Format(time.RFC3339))
	}
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	limit := fs.Int("limit", 50, "max records")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	resp, err := client.History(context.Background(), *limit)
	if err != nil {
		fatal(err)
	}
	if len(resp.Connections) == 0 {
		fmt.Fprintln(os.Stdout, "no recorded connections")
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-36s  %-9s  %-5s  %-10s  %-10s  %-20s  %-6s\n",
		"CONNECTION_ID", "DEVICE_ID", "QUALITY", "FAILS", "SENT", "RECEIVED", "ESTABLISHED", "ACTIVE")
	for _, c := range resp.Connections {
		fmt.Fprintf(os.Stdout, "%-36s  %-36s  %-9s  %-5d  %-10d  %-10d  %-20s  %-6t\n",
			c.ID, c.DeviceID, c.Quality, c.HeartbeatFailures, c.BytesSent, c.BytesReceived,
			c.EstablishedAt.UTC().Format(time.RFC3339), c.Active)
	}
}

func handleIdentity(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "identity subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "show":
		identityShow(args[1:])
	case "regenerate":
		identityRegenerate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown identity subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func identityShow(args []string) {
	fs := flag.NewFlagSet("identity show", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	bridge := mustBridgeConfig(*configPath)
	ident, err := identity.LoadOrGenerate(bridge.DataDir, bridge.DeviceName)
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stdout, "subject=%s\n", ident.Certificate.Subject.CommonName)
	fmt.Fprintf(os.Stdout, "fingerprint=%s\n", ident.Fingerprint)
	fmt.Fprintf(os.Stdout, "not_after=%s\n", ident.Certificate.NotAfter.UTC().Format(time.RFC3339))
}

func identityRegenerate(args []string) {
	fs := flag.NewFlagSet("identity regenerate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	bridge := mustBridgeConfig(*configPath)
	ident, err := identity.Regenerate(bridge.DataDir, bridge.DeviceName)
	if err != nil {
		fatal(err)
	}

	fmt.Fprintln(os.Stdout, "identity regenerated; every client must re-pair (pinned fingerprints no longer match)")
	fmt.Fprintf(os.Stdout, "fingerprint=%s\n", ident.Fingerprint)
}

func handlePairings(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "pairings subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		pairingsList(args[1:])
	case "purge":
		pairingsPurge(args[1:])
	case "auto-reconnect":
		pairingsAutoReconnect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown pairings subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func pairingsList(args []string) {
	fs := flag.NewFlagSet("pairings list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	resp, err := client.Pairings(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(resp.Pairings) == 0 {
		fmt.Fprintln(os.Stdout, "no pairings")
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-5s  %-5s  %-11s  %-5s  %-20s\n",
		"DEVICE_ID", "OK", "FAIL", "RELIABILITY", "AUTO", "LAST_CONNECTED")
	for _, p := range resp.Pairings {
		fmt.Fprintf(os.Stdout, "%-36s  %-5d  %-5d  %-11.2f  %-5t  %-20s\n",
			p.DeviceID, p.Successes, p.Failures, p.Reliability, p.AutoReconnect,
			p.LastConnectedAt.UTC().Format(time.RFC3339))
	}
}

func pairingsPurge(args []string) {
	fs := flag.NewFlagSet("pairings purge", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	_ = fs.Parse(args)

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	resp, err := client.PurgePairings(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "purged %d expired pairing(s)\n", resp.Removed)
}

func pairingsAutoReconnect(args []string) {
	fs := flag.NewFlagSet("pairings auto-reconnect", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controlURL := fs.String("control", "", "control API base URL")
	device := fs.String("device", "", "device id")
	enabled := fs.Bool("enabled", true, "enable auto-reconnect")
	_ = fs.Parse(args)

	if *device == "" {
		fatal(errors.New("--device is required"))
	}

	client := control.NewClient(controlBaseURL(*configPath, *controlURL))
	if err := client.SetAutoReconnect(context.Background(), *device, *enabled); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "auto-reconnect=%t for %s\n", *enabled, *device)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "heartbeat CSV path override")
	_ = fs.Parse(args)

	metricsPath := selectMetricsPath(*configPath, *path)
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d from=%s to=%s\n",
		summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "success_rate=%.2f%% failures=%d\n", summary.SuccessRate*100, summary.Failures)
	fmt.Fprintf(os.Stdout, "rtt avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n",
		summary.AvgRTTMs, summary.P95RTTMs, summary.MinRTTMs, summary.MaxRTTMs)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "heartbeat CSV path override")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	metricsPath := selectMetricsPath(*configPath, *path)
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	if err := copyFile(metricsPath, *out); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %s\n", *out)
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	timeout := fs.Duration("timeout", 3*time.Second, "check timeout")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stdout, "config: INVALID (%v)\n", err)
		return
	}
	bridge := cfg.Bridge
	fmt.Fprintln(os.Stdout, "config: ok")

	if ident, err := identity.LoadOrGenerate(bridge.DataDir, bridge.DeviceName); err != nil {
		fmt.Fprintf(os.Stdout, "identity: FAILED (%v)\n", err)
	} else {
		fmt.Fprintf(os.Stdout, "identity: ok fingerprint=%s\n", ident.Fingerprint)
	}

	target := net.JoinHostPort(bridge.RelayTargetHost, strconv.Itoa(bridge.RelayTargetPort))
	if conn, err := net.DialTimeout("tcp", target, *timeout); err != nil {
		fmt.Fprintf(os.Stdout, "downstream proxy %s: UNREACHABLE (%v) - launch the inspection proxy or fix relay_target\n", target, err)
	} else {
		conn.Close()
		fmt.Fprintf(os.Stdout, "downstream proxy %s: ok\n", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := control.NewClient(controlBaseURL(*configPath, ""))
	if st, err := client.Status(ctx); err != nil {
		fmt.Fprintf(os.Stdout, "bridge process: not running (%v)\n", err)
	} else {
		fmt.Fprintf(os.Stdout, "bridge process: running status=%s devices=%d\n", st.Status, st.ActiveDevices)
	}

	if len(bridge.STUNServers) > 0 {
		addr, err := stunutil.Probe(ctx, bridge.STUNServers, *timeout)
		if err != nil {
			fmt.Fprintf(os.Stdout, "stun: probe failed (%v)\n", err)
		} else {
			fmt.Fprintf(os.Stdout, "stun: public mapped address %s (listener only serves private-range peers)\n", addr)
		}
	}
}

func mustBridgeConfig(configPath string) *config.BridgeConfig {
	if configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg.Bridge
}

func controlBaseURL(configPath, override string) string {
	if override != "" {
		return normalizeBaseURL(override)
	}
	listen := config.DefaultControlListen
	if configPath != "" {
		if cfg, err := config.Load(configPath); err == nil && cfg.Bridge != nil && cfg.Bridge.ControlListen != "" {
			listen = cfg.Bridge.ControlListen
		}
	}
	return normalizeBaseURL(listen)
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func selectMetricsPath(configPath, override string) string {
	if override != "" {
		return override
	}
	if configPath == "" {
		return ""
	}
	cfg, err := config.Load(configPath)
	if err != nil || cfg.Bridge == nil {
		return ""
	}
	return cfg.Bridge.MetricsPath
}

// loadRelayID keeps a stable relay identifier across restarts so pairing
// records survive. Separate from the certificate so a trust reset does
// not orphan the pairing history.
func loadRelayID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "relay_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
