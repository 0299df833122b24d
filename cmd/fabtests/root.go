package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/fabtests-go/internal/config"
)

// flagValues holds raw flag values. Only flags the user set override the
// file and environment configuration.
type flagValues struct {
	provider, fabric, domain  string
	dstPort, srcPort, srcAddr string
	size, iterations          int
	sweep                     string
	machineReadable           bool
	domains                   int
	timeout                   time.Duration
	logLevel, logFormat       string
	metrics, metricsFile      string
}

func newRootCommand(a *app) *cobra.Command {
	var fv flagValues
	root := &cobra.Command{
		Use:   "fabtests",
		Short: "Functional and performance tests for libfabric providers",
		Long: `fabtests exercises a libfabric provider between two processes.

Start the responder without a destination, then the initiator with the
responder's address:

  fabtests pingpong              # responder
  fabtests pingpong 10.0.0.1     # initiator`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(cmd.Flags().Changed, &fv); err != nil {
				return err
			}
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.StringVarP(&fv.provider, "provider", "p", "", "provider name")
	pf.StringVarP(&fv.fabric, "fabric", "f", "", "fabric name")
	pf.StringVarP(&fv.domain, "domain", "d", "", "domain name")
	pf.StringVarP(&fv.dstPort, "port", "P", config.DefaultPort, "destination port")
	pf.StringVarP(&fv.srcPort, "src-port", "B", config.DefaultPort, "source port the responder listens on")
	pf.StringVarP(&fv.srcAddr, "src-addr", "s", "", "source address")
	pf.DurationVar(&fv.timeout, "timeout", 0, "deadline for blocking waits, e.g. 30s (0 waits forever)")
	pf.StringVar(&fv.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&fv.logFormat, "log-format", "console", "log format: console or json")
	pf.StringVar(&fv.metrics, "metrics", config.MetricsNone, "metrics backend: none, prometheus, otel")
	pf.StringVar(&fv.metricsFile, "metrics-file", "", "write the metric snapshot to this file on exit")

	root.AddCommand(
		newPingpongCommand(a, &fv),
		newTriggerCommand(a),
		newMsgEpollCommand(a),
		newDomTestCommand(a, &fv),
	)
	return root
}

// loadConfig layers defaults, the config file, the environment, and the
// flags the user set.
func (a *app) loadConfig(changed func(name string) bool, fv *flagValues) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("provider", func() { cfg.Provider = fv.provider })
	set("fabric", func() { cfg.Fabric = fv.fabric })
	set("domain", func() { cfg.Domain = fv.domain })
	set("port", func() { cfg.DstPort = fv.dstPort })
	set("src-port", func() { cfg.SrcPort = fv.srcPort })
	set("src-addr", func() { cfg.SrcAddr = fv.srcAddr })
	set("size", func() { cfg.Size = fv.size })
	set("iterations", func() { cfg.Iterations = fv.iterations })
	set("sweep", func() { cfg.Sweep = fv.sweep })
	set("machine-readable", func() { cfg.MachineReadable = fv.machineReadable })
	set("domains", func() { cfg.Domains = fv.domains })
	set("log-level", func() { cfg.Log.Level = fv.logLevel })
	set("log-format", func() { cfg.Log.Format = fv.logFormat })
	set("metrics", func() { cfg.Metrics.Backend = fv.metrics })
	set("metrics-file", func() { cfg.Metrics.File = fv.metricsFile })
	set("timeout", func() { cfg.Timeout = fv.timeout })
	a.cfg = cfg
	return nil
}

