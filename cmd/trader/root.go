package main

import (
	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type rootOptions struct {
	configPath string
	pyroscope  string
	profiler   *pyroscope.Profiler
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "trader",
		Short:         "Event-driven trading engine",
		Long:          "trader turns signals into risk-checked orders, executes them and tracks the portfolio, live or as a deterministic replay.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.startProfiler(cmd.Name())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			opts.stopProfiler()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.pyroscope, "pyroscope", "", "pyroscope server address, e.g. http://localhost:4040 (empty disables profiling)")

	root.AddCommand(
		newBacktestCmd(opts),
		newLiveCmd(opts),
		newRecordCmd(opts),
		newVerifySnapshotCmd(opts),
		newSendCmd(),
	)
	return root
}

func (o *rootOptions) startProfiler(command string) error {
	if o.pyroscope == "" {
		return nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "tradecore." + command,
		ServerAddress:   o.pyroscope,
		Logger:          nil,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return errors.Wrap(err, "start pyroscope")
	}
	logs.Infof("profiling to %s", o.pyroscope)
	o.profiler = profiler
	return nil
}

func (o *rootOptions) stopProfiler() {
	if o.profiler == nil {
		return
	}
	if err := o.profiler.Stop(); err != nil {
		logs.Warnf("stop pyroscope, err: %+v", err)
	}
	o.profiler = nil
}
