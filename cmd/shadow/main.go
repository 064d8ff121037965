// Command shadow runs a discrete-event network simulation scenario (§6).
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/shadow-sim/shadow/internal/shadow/config"
	"github.com/shadow-sim/shadow/internal/shadow/event"
	"github.com/shadow-sim/shadow/internal/shadow/host"
	"github.com/shadow-sim/shadow/internal/shadow/netiface"
	"github.com/shadow-sim/shadow/internal/shadow/plugin"
	"github.com/shadow-sim/shadow/internal/shadow/resolver"
	"github.com/shadow-sim/shadow/internal/shadow/simtime"
	"github.com/shadow-sim/shadow/internal/shadow/topology"
	"github.com/shadow-sim/shadow/internal/shadow/vsyscall"
	"github.com/shadow-sim/shadow/internal/shadow/worker"
)

var (
	version = "dev"
	commit  = "none"
)

var cli config.CLI

var rootCmd = &cobra.Command{
	Use:   "shadow <scenario.xml>",
	Short: "Discrete-event network simulator",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cli.PrintVersion {
			fmt.Printf("shadow %s (%s)\n", version, commit)
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("missing required scenario.xml argument: %w", errConfig)
		}
		return run(args[0])
	},
}

var errConfig = fmt.Errorf("configuration error")

func main() {
	config.RegisterFlags(rootCmd.Flags(), &cli)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// runHeartbeat logs wall-clock progress reports at interval (§6
// heartbeat-frequency) on a real clock, independent of the simulated
// event clock — so it keeps reporting even if the simulation itself
// stalls waiting on a stuck plug-in.
func runHeartbeat(ctx context.Context, log *slog.Logger, clock clockwork.Clock, queue *event.Queue, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			earliest, ok := queue.Peek()
			log.Info("heartbeat", "queued", queue.Len(), "earliest", earliest, "has_pending", ok)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func newLogger(level config.LogLevel, debug bool) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch level {
	case config.LogLevelDebug:
		slogLevel = slog.LevelDebug
	case config.LogLevelWarning:
		slogLevel = slog.LevelWarn
	case config.LogLevelError, config.LogLevelCritical:
		slogLevel = slog.LevelError
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:     slogLevel,
		AddSource: debug,
	}))
}

func run(scenarioPath string) error {
	log := newLogger(cli.LogLevel, cli.Debug)

	scenario, err := config.LoadFile(scenarioPath)
	if err != nil {
		log.Error("failed to load scenario", "error", err)
		return err
	}

	var topoReader io.Reader
	if scenario.Topology.Path != "" {
		f, err := os.Open(scenario.Topology.Path)
		if err != nil {
			log.Error("failed to open topology file", "error", err)
			return err
		}
		defer f.Close()
		topoReader = f
	} else {
		topoReader = strings.NewReader(scenario.Topology.Inline)
	}
	topo, nodeIDs, err := topology.LoadGraphML(topoReader)
	if err != nil {
		log.Error("failed to load topology", "error", err)
		return err
	}

	minLatency, _ := topo.MinLatency()

	res := resolver.New()
	defer res.Close()

	hosts := make(map[event.HostID]*host.Host)
	nextIP := uint32(0x0a000001) // 10.0.0.1

	qdisc := netiface.QDiscFIFO
	if cli.QDisc == config.QDiscNameRR {
		qdisc = netiface.QDiscRoundRobin
	}

	for _, hc := range scenario.Hosts {
		quantity := hc.Quantity
		if quantity == 0 {
			quantity = 1
		}
		for i := uint32(0); i < quantity; i++ {
			hostID, ok := nodeIDs[hc.ID]
			if !ok {
				log.Error("host has no matching topology node", "host", hc.ID)
				return fmt.Errorf("host %q: %w", hc.ID, errConfig)
			}
			ip := nextIP
			nextIP++

			sendBuf := hc.SocketSendBuffer
			recvBuf := hc.SocketRecvBuffer
			if sendBuf == 0 {
				sendBuf = cli.InterfaceBuffer
			}
			if recvBuf == 0 {
				recvBuf = cli.InterfaceBuffer
			}

			h := host.New(hostID, hc.ID, ip, 1.0)
			iface := netiface.New(ip, hc.BandwidthDown, hc.BandwidthUp, qdisc, int64(cli.Seed)+int64(hostID))
			h.AttachInterface(iface)
			hosts[hostID] = h

			res.Add(hc.ID, ip, uint32(hostID), hc.BandwidthDown, hc.BandwidthUp)
			log.Debug("registered host", "id", hc.ID, "ip", net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String())
		}
	}

	queue := event.NewQueue(topo.Routable)
	surface := vsyscall.NewSurface(res, topo, queue, cli.Seed)

	registry := plugin.NewRegistry()
	for _, pc := range scenario.Plugins {
		p, err := plugin.Load(pc.ID, pc.Path)
		if err != nil {
			log.Error("failed to load plugin", "id", pc.ID, "path", pc.Path, "error", err)
			return err
		}
		if err := registry.Register(p); err != nil {
			log.Error("failed to register plugin", "id", pc.ID, "error", err)
			return err
		}
	}
	surface.SetPlugins(registry)

	lookup := func(id event.HostID) (*host.Host, bool) {
		h, ok := hosts[id]
		return h, ok
	}

	pool := worker.New(log, queue, lookup, surface.Dispatcher(log), minLatency, cli.Workers)

	for _, hc := range scenario.Hosts {
		hostID, ok := nodeIDs[hc.ID]
		if !ok {
			continue
		}
		for _, p := range hc.Processes {
			start := simtime.FromDuration(time.Duration(p.StartTime * float64(time.Second)))
			if _, err := queue.Schedule(hostID, hostID, simtime.Zero, start, event.KindProcessStart, p); err != nil {
				log.Error("failed to schedule process start", "host", hc.ID, "plugin", p.Plugin, "error", err)
				return err
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool.Start(ctx)
	log.Info("simulation started", "hosts", len(hosts), "workers", cli.Workers, "stoptime", scenario.StopTime)

	heartbeatLog := newLogger(cli.HeartbeatLogLevel, cli.Debug)
	go runHeartbeat(ctx, heartbeatLog, clockwork.NewRealClock(), queue, cli.HeartbeatInterval)

	stop := simtime.FromDuration(time.Duration(scenario.StopTime * float64(time.Second)))
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pool.Stop()
			return nil
		case <-ticker.C:
			earliest, ok := queue.Peek()
			if !ok || (stop > 0 && earliest >= stop) {
				pool.Stop()
				log.Info("simulation finished")
				return nil
			}
		}
	}
}
