package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/pelagicore/softwarecontainer/pkg/agent"
	"github.com/pelagicore/softwarecontainer/pkg/containerdriver"
	"github.com/pelagicore/softwarecontainer/pkg/events"
	"github.com/pelagicore/softwarecontainer/pkg/log"
	"github.com/pelagicore/softwarecontainer/pkg/manifest"
	"github.com/pelagicore/softwarecontainer/pkg/metrics"
	"github.com/pelagicore/softwarecontainer/pkg/rpc"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "softwarecontainer",
	Short:   "SoftwareContainer host agent",
	Long:    "SoftwareContainer provisions, configures, and supervises lightweight Linux containers over a D-Bus RPC surface.",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("softwarecontainer version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("rootfs", "", "Container root filesystem path")
	rootCmd.Flags().String("manifest-dir", "", "Directory of capability manifests to load at startup")
	rootCmd.Flags().String("containerd-socket", "", "containerd socket path (auto-detected if empty)")
	rootCmd.Flags().Int("preload", 0, "Preload pool size")
	rootCmd.Flags().String("user", "0", "Default launch user (numeric uid[:gid])")
	rootCmd.Flags().Bool("shutdown", true, "Destroy containers on exit (set false to leave them running for debugging)")
	rootCmd.Flags().Int("timeout", 2, "Default container shutdown timeout, in seconds")
	rootCmd.Flags().String("bridge", "sc-br0", "Host bridge interface name for the Network gateway")
	rootCmd.Flags().String("gateway-ip", "192.168.7.1", "Network gateway's own address on the bridge")
	rootCmd.Flags().Int("prefix-len", 24, "Network gateway subnet prefix length")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func run(cmd *cobra.Command, args []string) error {
	rootFS, _ := cmd.Flags().GetString("rootfs")
	manifestDir, _ := cmd.Flags().GetString("manifest-dir")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	preload, _ := cmd.Flags().GetInt("preload")
	defaultUser, _ := cmd.Flags().GetString("user")
	shutdownOnExit, _ := cmd.Flags().GetBool("shutdown")
	timeoutSecs, _ := cmd.Flags().GetInt("timeout")
	bridge, _ := cmd.Flags().GetString("bridge")
	gatewayIP, _ := cmd.Flags().GetString("gateway-ip")
	prefixLen, _ := cmd.Flags().GetInt("prefix-len")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if rootFS == "" {
		return fmt.Errorf("--rootfs is required")
	}
	if prefixLen < 8 || prefixLen > 32 {
		return fmt.Errorf("--prefix-len %d is ambiguous, must be between /8 and /32", prefixLen)
	}

	metrics.SetVersion(Version)

	driver, err := containerdriver.New(socketPath)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer driver.Close()
	metrics.RegisterComponent("containerd", true, "")

	var manifests *manifest.Store
	if manifestDir != "" {
		manifests, err = manifest.LoadDir(manifestDir)
	} else {
		manifests, err = manifest.LoadStrings(nil)
	}
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}
	log.Logger.Info().Int("capabilities", len(manifests.AllCapabilityIDs())).Msg("manifests loaded")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	a := agent.New(agent.Config{
		Prefix:                   "sc",
		RootFS:                   rootFS,
		ContainerShutdownTimeout: time.Duration(timeoutSecs) * time.Second,
		PreloadCount:             preload,
		DefaultUser:              defaultUser,
		Network: agent.NetworkConfig{
			BridgeName:    bridge,
			GatewayIP:     net.ParseIP(gatewayIP),
			PrefixLen:     prefixLen,
			InterfaceName: "eth0",
		},
	}, driver, manifests, broker)

	collector := metrics.NewCollector(a)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	conn, err := dbus.SystemBus()
	if err != nil {
		metrics.RegisterComponent("dbus", false, err.Error())
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	exporter, err := rpc.NewExporter(conn, a, broker, 30*time.Second)
	if err != nil {
		metrics.RegisterComponent("dbus", false, err.Error())
		return fmt.Errorf("export agent service: %w", err)
	}
	defer exporter.Close()
	metrics.RegisterComponent("dbus", true, "")
	log.Logger.Info().Msg("agent service exported on org.softwarecontainer.Agent1")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	a.Shutdown(context.Background(), shutdownOnExit)
	return nil
}
