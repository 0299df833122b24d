package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rocketbitz/fabtests-go/internal/cm"
	"github.com/rocketbitz/fabtests-go/internal/config"
	"github.com/rocketbitz/fabtests-go/internal/domtest"
	"github.com/rocketbitz/fabtests-go/internal/perf"
	"github.com/rocketbitz/fabtests-go/internal/pingpong"
	"github.com/rocketbitz/fabtests-go/internal/session"
	"github.com/rocketbitz/fabtests-go/internal/trigger"
)

// address fills the role-selecting fields of opts from the optional
// destination argument.
func (a *app) address(opts *session.Options, args []string) {
	if len(args) == 1 {
		opts.DestAddr = args[0]
		opts.DestPort = a.cfg.DstPort
		return
	}
	opts.SrcAddr = a.cfg.SrcAddr
	opts.SrcPort = a.cfg.SrcPort
}

func (a *app) instrument(opts *session.Options, test string) {
	opts.Test = test
	opts.Logger = a.logger
	opts.Metrics = a.metrics
	opts.Tracer = a.tracer
}

func newPingpongCommand(a *app, fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pingpong [dst]",
		Short: "RDM inject ping-pong latency test",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			level, err := pingpong.ParseLevel(a.cfg.Sweep)
			if err != nil {
				return err
			}

			opts := pingpong.SessionOptions(a.cfg.Size)
			opts.Hints = a.cfg.Hints(opts.Hints)
			a.address(&opts, args)
			a.instrument(&opts, "pingpong")
			s, err := session.Open(provider, opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			var reporter perf.Reporter = perf.NewHumanReporter(a.stdout)
			if a.cfg.MachineReadable {
				mr := perf.NewMachineReporter(a.stdout, a.argv)
				defer func() { err = multierr.Append(err, mr.Close()) }()
				reporter = mr
			}
			_, err = pingpong.RunTest(s, pingpong.Config{
				Size:       a.cfg.Size,
				Iterations: a.cfg.Iterations,
				Level:      level,
				Options:    pingpong.Options{Reporter: reporter},
			})
			return err
		},
	}
	f := cmd.Flags()
	f.IntVarP(&fv.size, "size", "S", 0, "transfer size in bytes (0 sweeps the size table)")
	f.IntVarP(&fv.iterations, "iterations", "I", config.DefaultIterations, "iterations per size")
	f.StringVar(&fv.sweep, "sweep", config.DefaultSweep, "size table coverage: quick or all")
	f.BoolVar(&fv.machineReadable, "machine-readable", false, "report results as YAML documents")
	return cmd
}

func newTriggerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rma-trigger [dst]",
		Short: "Triggered RMA write test",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			opts := trigger.SessionOptions()
			opts.Hints = a.cfg.Hints(opts.Hints)
			a.address(&opts, args)
			a.instrument(&opts, "rma_trigger")
			s, err := session.Open(provider, opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()
			return trigger.New(s, a.timeout()).Run()
		},
	}
}

func newMsgEpollCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "msg-epoll [dst]",
		Short: "Connected message exchange driven by readiness polling",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			opts := cm.Options{
				Hints:   a.cfg.Hints(cm.Hints()),
				SrcAddr: a.cfg.SrcAddr,
				SrcPort: a.cfg.SrcPort,
				Timeout: a.timeout(),
				Logger:  a.logger,
				Metrics: a.metrics,
				Tracer:  a.tracer,
			}

			var conn *cm.Conn
			if len(args) == 1 {
				opts.DestAddr, opts.DestPort = args[0], a.cfg.DstPort
				if conn, err = cm.NewClient(provider, opts).Connect(); err != nil {
					return err
				}
			} else {
				srv := cm.NewServer(provider, opts)
				defer func() { err = multierr.Append(err, srv.Close()) }()
				if err = srv.Listen(); err != nil {
					return err
				}
				if conn, err = srv.Accept(); err != nil {
					return err
				}
			}
			defer func() { err = multierr.Append(err, conn.Close()) }()

			text, err := conn.Exchange()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, text)
			return nil
		},
	}
}

func newDomTestCommand(a *app, fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dom-test",
		Short: "Open and close several domains on one fabric",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			rep, err := domtest.Run(provider, domtest.Options{
				Provider: a.cfg.Provider,
				Fabric:   a.cfg.Fabric,
				Domains:  a.cfg.Domains,
				Logger:   a.logger,
				Metrics:  a.metrics,
				Tracer:   a.tracer,
			})
			fmt.Fprintf(a.stdout, "domains opened %d closed %d\n", rep.Opened, rep.Closed)
			return err
		},
	}
	cmd.Flags().IntVarP(&fv.domains, "domains", "n", config.DefaultDomains, "number of domains to open")
	return cmd
}
