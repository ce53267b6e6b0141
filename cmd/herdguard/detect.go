package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/herdguard/pkg/detectors/unsupervised"
	"github.com/hed1ad/herdguard/pkg/health"
	hgio "github.com/hed1ad/herdguard/pkg/io"
	"github.com/hed1ad/herdguard/pkg/io/csv"
	"github.com/hed1ad/herdguard/pkg/io/json"
	"github.com/hed1ad/herdguard/pkg/pipeline"
	"github.com/hed1ad/herdguard/pkg/store"
)

type detectOptions struct {
	input      string
	output     string
	clusters   string
	metricsOut string
	pretrained bool
	save       bool
}

var detectFlags detectOptions

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Score a measurement CSV and report outbreak clusters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		batch, err := readBatch(detectFlags.input)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		opts := []pipeline.Option{
			pipeline.WithLogger(zap.L()),
			pipeline.WithMetrics(pipeline.NewMetrics(reg)),
		}
		if detectFlags.pretrained {
			d := unsupervised.New()
			if err := d.Load(cfg.Model.Path); err != nil {
				return eris.Wrap(err, "load model")
			}
			opts = append(opts, pipeline.WithPretrained(d))
		}

		engine, err := newEngine(opts...)
		if err != nil {
			return err
		}
		report, err := engine.Run(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "detect")
		}

		var out hgio.Writer
		if stdout(detectFlags.output) {
			out = csv.ToWriter(cmd.OutOrStdout())
		} else if out, err = csv.NewWriter(detectFlags.output); err != nil {
			return err
		}
		if err := writeReport(out, report); err != nil {
			return err
		}

		if detectFlags.clusters != "" {
			w, err := json.NewWriter(detectFlags.clusters, json.WithIndent("  "))
			if err != nil {
				return err
			}
			if err := writeReport(w, report); err != nil {
				return err
			}
		}

		if detectFlags.save {
			if err := saveClusters(cmd, report); err != nil {
				return err
			}
		}

		if detectFlags.metricsOut != "" {
			if err := prometheus.WriteToTextfile(detectFlags.metricsOut, reg); err != nil {
				return eris.Wrap(err, "write metrics")
			}
		}

		zap.L().Info("detect complete",
			zap.String("input", detectFlags.input),
			zap.Int("records", len(report.Results)),
			zap.Int("clusters", len(report.Clusters)),
		)
		return nil
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringVar(&detectFlags.input, "input", "", "measurement CSV (required)")
	f.StringVar(&detectFlags.output, "output", "-", "result CSV, - for stdout")
	f.StringVar(&detectFlags.clusters, "clusters-json", "", "write the cluster report as JSON")
	f.StringVar(&detectFlags.metricsOut, "metrics-out", "", "write run metrics in Prometheus text format")
	f.BoolVar(&detectFlags.pretrained, "pretrained", false, "score with the model at model.path instead of fitting per batch")
	f.BoolVar(&detectFlags.save, "save", false, "store clusters as alerts")
	_ = detectCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(detectCmd)
}

func newEngine(opts ...pipeline.Option) (*pipeline.Engine, error) {
	pc, err := cfg.Pipeline()
	if err != nil {
		return nil, err
	}
	return pipeline.New(pc, opts...)
}

func readBatch(path string) (*health.Batch, error) {
	r, err := csv.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

func writeReport(w hgio.Writer, report *pipeline.Report) error {
	if err := w.Write(report); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func saveClusters(cmd *cobra.Command, report *pipeline.Report) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.SaveClusters(cmd.Context(), report.Clusters)
}

func openStore() (*store.Store, error) {
	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	return store.New(db, store.WithLogger(zap.L()))
}

// stdout reports whether path names standard output.
func stdout(path string) bool {
	return path == "" || path == "-"
}
