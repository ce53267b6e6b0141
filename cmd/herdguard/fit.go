package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/herdguard/pkg/pipeline"
)

var fitInput string

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the unsupervised scorer on a reference CSV and save it to model.path",
	RunE: func(cmd *cobra.Command, _ []string) error {
		batch, err := readBatch(fitInput)
		if err != nil {
			return err
		}

		engine, err := newEngine(pipeline.WithLogger(zap.L()))
		if err != nil {
			return err
		}
		d, err := engine.Fit(batch)
		if err != nil {
			return eris.Wrap(err, "fit")
		}
		if err := d.Save(cfg.Model.Path); err != nil {
			return eris.Wrap(err, "save model")
		}

		zap.L().Info("fit complete",
			zap.String("model", cfg.Model.Path),
			zap.Strings("features", d.Features()),
		)
		return nil
	},
}

func init() {
	fitCmd.Flags().StringVar(&fitInput, "input", "", "reference measurement CSV (required)")
	_ = fitCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(fitCmd)
}
