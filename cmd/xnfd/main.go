//go:build linux

// xnfd is the AF_XDP network-function datapath daemon.
//
// It attaches the steering program to one interface queue, opens a
// zero-copy channel on it and bounces every diverted packet back out
// the same queue until it is told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/xnf-io/xnf/afxdp"
	"github.com/xnf-io/xnf/manager"
	"github.com/xnf-io/xnf/stats"
)

type Config struct {
	Interface string `yaml:"interface"`
	Queue     uint32 `yaml:"queue"`
	Mode      string `yaml:"mode"` // auto | native | generic
	Zerocopy  bool   `yaml:"zerocopy"`
	Poll      bool   `yaml:"poll"`

	NumFrames uint32 `yaml:"num-frames"`
	FrameSize uint32 `yaml:"frame-size"`
	RxRing    uint32 `yaml:"rx-ring"`
	TxRing    uint32 `yaml:"tx-ring"`
	FillRing  uint32 `yaml:"fill-ring"`
	CompRing  uint32 `yaml:"comp-ring"`
	Batch     uint32 `yaml:"batch"`

	ProgPath string `yaml:"prog-path"`
	ProgName string `yaml:"prog-name"`

	StatsIntervalSec uint32 `yaml:"stats-interval"`
	TimeToLiveSec    uint32 `yaml:"ttl"`
	PacketLimit      uint64 `yaml:"packet-limit"`

	// Congestion watermarks, reserved for a future admission path.
	HighWatermark float64 `yaml:"high-watermark"`
	LowWatermark  float64 `yaml:"low-watermark"`

	MetricsAddr string `yaml:"metrics-addr"`
	Debug       bool   `yaml:"debug"`
}

func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("xnfd", flag.ContinueOnError)
	fConfig := fs.String("config", "", "path to config YAML file")
	fIface := fs.String("d", "", "network interface to bind")
	fQueue := fs.Uint("Q", 0, "RX queue index")
	fGeneric := fs.Bool("S", false, "SKB (generic) XDP mode")
	fNative := fs.Bool("N", false, "native XDP mode")
	fZC := fs.Bool("z", false, "zero-copy bind")
	fPoll := fs.Bool("p", false, "use poll() instead of busy-wait")
	fProg := fs.String("f", "", "steering BPF object file")
	fProgName := fs.String("P", "", "steering program name")
	fStats := fs.Bool("v", false, "enable periodic statistics")
	fTTL := fs.Uint("t", 0, "auto-shutdown after N seconds")
	fLimit := fs.Uint64("l", 0, "auto-shutdown after N packets")
	fMetrics := fs.String("metrics", "", "Prometheus listen address (empty to disable)")
	fDebug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Queue 0 is a valid choice, so presence has to be tracked rather
	// than inferred from the value.
	queueSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "Q" {
			queueSet = true
		}
	})

	conf := Config{
		Mode:             "auto",
		ProgPath:         "bpf/xdp_steer.o",
		ProgName:         afxdp.DefaultProgName,
		StatsIntervalSec: 0,
	}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fIface != "" {
		conf.Interface = *fIface
	}
	if queueSet {
		conf.Queue = uint32(*fQueue)
	}
	if *fGeneric {
		conf.Mode = "generic"
	}
	if *fNative {
		conf.Mode = "native"
	}
	if *fZC {
		conf.Zerocopy = true
	}
	if *fPoll {
		conf.Poll = true
	}
	if *fProg != "" {
		conf.ProgPath = *fProg
	}
	if *fProgName != "" {
		conf.ProgName = *fProgName
	}
	if *fStats && conf.StatsIntervalSec == 0 {
		conf.StatsIntervalSec = 2
	}
	if *fTTL != 0 {
		conf.TimeToLiveSec = uint32(*fTTL)
	}
	if *fLimit != 0 {
		conf.PacketLimit = *fLimit
	}
	if *fMetrics != "" {
		conf.MetricsAddr = *fMetrics
	}
	if *fDebug {
		conf.Debug = true
	}

	// Validate.
	if conf.Interface == "" {
		return nil, errors.New("interface must be set (or use -d)")
	}
	if conf.Queue >= afxdp.MaxQueues {
		return nil, fmt.Errorf("queue must be in [0,%d)", afxdp.MaxQueues)
	}
	switch conf.Mode {
	case "auto", "native", "generic":
	default:
		return nil, fmt.Errorf("unknown mode %q (auto|native|generic)", conf.Mode)
	}
	if conf.HighWatermark != 0 || conf.LowWatermark != 0 {
		if !(conf.LowWatermark >= 0 && conf.LowWatermark < conf.HighWatermark && conf.HighWatermark <= 1) {
			return nil, errors.New("watermarks must satisfy 0 <= low < high <= 1")
		}
	}

	return &conf, nil
}

func attachMode(s string) afxdp.AttachMode {
	switch s {
	case "native":
		return afxdp.AttachNative
	case "generic":
		return afxdp.AttachGeneric
	}
	return afxdp.AttachAuto
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "xnfd: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if conf.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(log)

	mgr := manager.New(manager.Config{
		Interface:     conf.Interface,
		Queue:         conf.Queue,
		Mode:          attachMode(conf.Mode),
		ZeroCopy:      conf.Zerocopy,
		PollMode:      conf.Poll,
		NumFrames:     conf.NumFrames,
		FrameSize:     conf.FrameSize,
		RxRing:        conf.RxRing,
		TxRing:        conf.TxRing,
		FillRing:      conf.FillRing,
		CompRing:      conf.CompRing,
		Batch:         conf.Batch,
		ProgPath:      conf.ProgPath,
		ProgName:      conf.ProgName,
		StatsInterval: time.Duration(conf.StatsIntervalSec) * time.Second,
		TimeToLive:    time.Duration(conf.TimeToLiveSec) * time.Second,
		PacketLimit:   conf.PacketLimit,
		HighWatermark: conf.HighWatermark,
		LowWatermark:  conf.LowWatermark,
	}, log)

	if err := mgr.Setup(); err != nil {
		log.Error("setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := mgr.Teardown(); err != nil {
			log.Warn("teardown", "err", err)
		}
	}()

	var metricsSrv *http.Server
	if conf.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector(
			mgr.Record(), mgr.Program(), []uint32{conf.Queue},
		))
		metricsSrv = &http.Server{
			Addr:    conf.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			// Metrics are auxiliary; a dead listener never stops the
			// datapath.
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics listener", "err", err)
			}
		}()
		log.Info("metrics listening", "addr", conf.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	runErr := mgr.Run(ctx)
	elapsed := time.Since(start)

	// Stop serving scrapes before any teardown releases the kernel
	// counters the collector reads.
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}

	if runErr != nil {
		log.Error("datapath loop failed", "err", runErr)
	}

	final := mgr.Stats()
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stdout, "\nFINAL REPORT\n")
	p.Fprintf(os.Stdout, " Elapsed:    %.3f s\n", elapsed.Seconds())
	p.Fprintf(os.Stdout, " RX:         %d packets, %d bytes\n", final.RxPackets, final.RxBytes)
	p.Fprintf(os.Stdout, " TX:         %d packets, %d bytes\n", final.TxPackets, final.TxBytes)
	p.Fprintf(os.Stdout, " Dropped:    %d packets\n", final.Dropped)

	if runErr != nil {
		if err := mgr.Teardown(); err != nil {
			log.Warn("teardown", "err", err)
		}
		os.Exit(1)
	}
}
