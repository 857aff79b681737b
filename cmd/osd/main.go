// Command osd runs one shardstore object storage daemon: it opens its
// three devices, replays the journal, and serves client and peer
// traffic until terminated.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"github.com/shardstore/shardstore/internal/blockstore"
	"github.com/shardstore/shardstore/internal/cluster"
	"github.com/shardstore/shardstore/internal/messenger"
	"github.com/shardstore/shardstore/internal/osd"
	"github.com/shardstore/shardstore/internal/peering"
	"github.com/shardstore/shardstore/internal/recovery"
	"github.com/shardstore/shardstore/pkg/util/config"
	"github.com/shardstore/shardstore/pkg/util/log"
)

func main() {
	root := &cobra.Command{
		Use:   "osd",
		Short: "shardstore object storage daemon",
		RunE:  run,
	}
	root.Flags().String("config", "", "path to OSD config file")
	root.MarkFlagRequired("config")
	root.Flags().Bool("daemonize", false, "fork to background and report startup outcome to the caller")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startDaemon re-execs the current binary without --daemonize, detached
// from the caller's terminal, and blocks until the child reports its
// startup outcome via signalStartup.
func startDaemon() error {
	cmdPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("osd: daemonize: resolve executable: %w", err)
	}
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a != "--daemonize" {
			args = append(args, a)
		}
	}
	buf := new(bytes.Buffer)
	if err := daemonize.Run(cmdPath, args, os.Environ(), buf); err != nil {
		if buf.Len() > 0 {
			fmt.Fprintln(os.Stderr, buf.String())
		}
		return fmt.Errorf("osd: daemonize: %w", err)
	}
	return nil
}

// signalStartup reports err (nil for success) back to a parent process
// that invoked us via startDaemon. Outside that mode it is a no-op.
func signalStartup(err error) {
	_ = daemonize.SignalOutcome(err)
}

func run(cmd *cobra.Command, args []string) error {
	daemonizeFlag, _ := cmd.Flags().GetBool("daemonize")
	if daemonizeFlag {
		return startDaemon()
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(f string, a ...interface{}) { log.LogInfof(f, a...) })); err != nil {
		fmt.Fprintf(os.Stderr, "automaxprocs: %v\n", err)
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: load config: %w", err)
	}
	oc, err := cfg.OSDConfig()
	if err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: %w", err)
	}
	cc, err := cfg.ClusterConfig()
	if err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: %w", err)
	}

	if _, err := log.Init("./logs", fmt.Sprintf("osd_%d", oc.OSDNum), log.InfoLevel); err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: init log: %w", err)
	}
	color.Green("shardstore osd %d starting, bind=%s", oc.OSDNum, oc.BindAddress)

	reg := prometheus.NewRegistry()
	go serveMetrics(reg)

	bs, closeDevs, err := openBlockstore(oc, reg)
	if err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: open blockstore: %w", err)
	}
	defer closeDevs()
	defer bs.Close()

	transport := messenger.NewTCPTransport(5 * time.Second)
	defer transport.Close()

	clusterClient, err := cluster.NewClient(cc.Endpoints, cc.KeyPrefix, time.Duration(cc.DialTimeMs)*time.Millisecond)
	if err != nil {
		signalStartup(err)
		return fmt.Errorf("osd: cluster client: %w", err)
	}
	defer clusterClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := clusterClient.Bootstrap(ctx); err != nil {
		log.LogWarnf("osd: cluster bootstrap: %v (continuing, watch will populate state)", err)
	}
	go clusterClient.Watch(ctx)

	clusterState := clusterClient.State()
	server := osd.NewServer(oc.OSDNum, oc.BindAddress, bs, transport, clusterState, clusterState.AddrOf, cfg)

	peeringRunner := peering.NewRunner(oc.OSDNum, server.Primary, clusterState.AllPGs, oc.FlushBatch)
	go runPeeringLoop(ctx, peeringRunner)
	go runRecoveryLoop(ctx, oc, server.Primary, peeringRunner)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.LogInfof("osd %d: shutting down", oc.OSDNum)
		cancel()
	}()

	// Startup is complete enough to serve; report success to a parent
	// process that ran us via --daemonize, if any.
	signalStartup(nil)

	return server.Run(ctx)
}

func openBlockstore(oc *config.OSDConfig, reg prometheus.Registerer) (*blockstore.Blockstore, func(), error) {
	const sectorSize = 4096
	blockCount := oc.MetaAreaSizeBytes / 8192 // rough sizing; a real deployment derives this from data-device capacity

	dataDev, err := blockstore.OpenDevice(oc.DataDevice, 0, int64(blockCount)*int64(oc.BlockSize))
	if err != nil {
		return nil, nil, fmt.Errorf("data device: %w", err)
	}
	journalDev, err := blockstore.OpenDevice(oc.JournalDevice, 0, int64(oc.JournalSizeBytes))
	if err != nil {
		dataDev.Close()
		return nil, nil, fmt.Errorf("journal device: %w", err)
	}
	metaDev, err := blockstore.OpenDevice(oc.MetaDevice, 0, int64(oc.MetaAreaSizeBytes))
	if err != nil {
		dataDev.Close()
		journalDev.Close()
		return nil, nil, fmt.Errorf("meta device: %w", err)
	}

	journal := blockstore.NewJournal(journalDev, sectorSize, uint32(oc.JournalSizeBytes/sectorSize))
	meta, err := blockstore.OpenMetadataStore(metaDev, oc.BlockSize, blockCount)
	if err != nil {
		dataDev.Close()
		journalDev.Close()
		metaDev.Close()
		return nil, nil, fmt.Errorf("metadata store: %w", err)
	}

	bsCfg := blockstore.Config{
		BlockSize:           oc.BlockSize,
		ImmediateCommit:     blockstore.ImmediateCommit(oc.ImmediateCommit),
		DisableJournalFsync: oc.DisableJournalFsync,
	}
	bs, err := blockstore.Open(bsCfg, dataDev, journal, meta, blockCount, reg)
	if err != nil {
		dataDev.Close()
		journalDev.Close()
		metaDev.Close()
		return nil, nil, err
	}

	closeAll := func() {
		meta.Close()
		journalDev.Close()
		dataDev.Close()
	}
	return bs, closeAll, nil
}

func serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe("127.0.0.1:9401", mux); err != nil {
		log.LogWarnf("osd: metrics server: %v", err)
	}
}

// runPeeringLoop ticks the peering runner: each tick it recomputes
// flush actions and recovery candidates for every PG this OSD is
// primary for (Pass), then drains whatever each PG's flush.Coordinator
// has pending (Drain) — the reconciliation step spec §4.6 and the S6
// scenario of spec §8 assume runs continuously.
func runPeeringLoop(ctx context.Context, r *peering.Runner) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Pass(ctx)
			r.Drain(ctx)
		}
	}
}

func runRecoveryLoop(ctx context.Context, oc *config.OSDConfig, primary *osd.Primary, source recovery.Source) {
	var limiter *rate.Limiter
	if oc.RecoverySyncBatch > 0 {
		limiter = rate.NewLimiter(rate.Limit(oc.RecoverySyncBatch), oc.RecoverySyncBatch)
	}
	loop := recovery.NewLoop(source, primary, oc.RecoveryQueueDepth, oc.RecoverySyncBatch, limiter)
	loop.RunForever(ctx, 5*time.Second)
}
