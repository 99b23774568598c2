package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"gopkg.in/tomb.v2"

	"backtest/internal/broker"
	"backtest/internal/config"
	"backtest/internal/scenario"
)

func main() {
	outputDir := flag.String("output-dir", "", "Directory for reports and ledger snapshots (empty prints reports to stdout)")
	expectPath := flag.String("expect", "", "Expected ledger snapshot to compare with (single scenario only)")
	parallel := flag.Int("parallel", 4, "Maximum scenarios run concurrently")
	profileAddr := flag.String("pyroscope", "", "Pyroscope server address (empty disables profiling)")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		logs.Fatalf("usage: backtest [flags] scenario.json [scenario.json...]")
	}
	if *parallel <= 0 {
		logs.Fatalf("parallel must be > 0")
	}
	if *expectPath != "" && len(paths) != 1 {
		logs.Fatalf("expect requires exactly one scenario")
	}

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "backtest",
			ServerAddress:   *profileAddr,
			Tags: map[string]string{
				"scenarios": fmt.Sprint(len(paths)),
			},
			Logger: profilerLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown requested, stopping scenarios")
			cancel()
		case <-ctx.Done():
		}
	}()

	reports, err := runAll(ctx, paths, *parallel)
	if err != nil {
		logs.Errorf("backtest failed: %+v", err)
		os.Exit(1)
	}

	for i, report := range reports {
		if err := emit(*outputDir, paths[i], report); err != nil {
			logs.Fatalf("write report failed: %+v", err)
		}
		logs.Infof("[%s] %s: %d bars, cash %.4f, equity %.4f, %d orders (%d rejected)",
			report.RunID, report.Name, report.Bars, report.Final.Cash, report.Final.Equity, len(report.Orders), report.Rejected)
	}

	if *expectPath != "" {
		expected, err := broker.ReadSnapshot(*expectPath)
		if err != nil {
			logs.Fatalf("read expected snapshot failed: %v", err)
		}
		if err := broker.CompareSnapshots(expected, reports[0].Final); err != nil {
			logs.Fatalf("ledger mismatch: %v", err)
		}
		logs.Infof("ledger matches %s", *expectPath)
	}
}

// runAll runs every scenario under one supervisor. The first failure stops
// the others.
func runAll(ctx context.Context, paths []string, parallel int) ([]scenario.Report, error) {
	reports := make([]scenario.Report, len(paths))
	sem := make(chan struct{}, parallel)

	t, tctx := tomb.WithContext(ctx)
	t.Go(func() error {
		for i, path := range paths {
			t.Go(func() error {
				select {
				case sem <- struct{}{}:
				case <-t.Dying():
					return nil
				}
				defer func() { <-sem }()

				loaded, err := config.Load(path)
				if err != nil {
					return errors.Wrap(err, "load "+path)
				}
				if loaded.Scenario.Name == "" {
					loaded.Scenario.Name = scenarioName(path)
				}
				report, err := scenario.Run(tctx, loaded)
				if err != nil {
					return errors.Wrap(err, "run "+path)
				}
				reports[i] = report
				return nil
			})
		}
		return nil
	})
	if err := t.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func emit(outputDir, path string, report scenario.Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	if outputDir == "" {
		fmt.Println(string(data))
		return nil
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	name := scenarioName(path)
	if err := os.WriteFile(filepath.Join(outputDir, name+".report.json"), data, 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}
	return broker.WriteSnapshot(filepath.Join(outputDir, name+".snapshot.json"), report.Final)
}

func scenarioName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
