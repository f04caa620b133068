package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/usecase"
)

type screenFlags struct {
	spiral string
	wave   string
	mode   string
	outDir string
}

// screenReport is the JSON printed by the screen command.
type screenReport struct {
	ensemble.Result
	RequestID     string `json:"request_id"`
	SpiralOverlay string `json:"spiral_overlay,omitempty"`
	WaveOverlay   string `json:"wave_overlay,omitempty"`
	SpiralError   string `json:"spiral_overlay_error,omitempty"`
	WaveError     string `json:"wave_overlay_error,omitempty"`
}

func newScreenCommand(configPath *string) *cobra.Command {
	var flags screenFlags

	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen one spiral and wave drawing pair and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScreen(cmd, *configPath, flags)
		},
	}
	cmd.Flags().StringVar(&flags.spiral, "spiral", "", "spiral drawing image file")
	cmd.Flags().StringVar(&flags.wave, "wave", "", "wave drawing image file")
	cmd.Flags().StringVar(&flags.mode, "mode", string(ensemble.ModeUploaded), "input mode: drawn or uploaded")
	cmd.Flags().StringVar(&flags.outDir, "out-dir", "", "directory to write Grad-CAM overlay PNGs to")
	_ = cmd.MarkFlagRequired("spiral")
	_ = cmd.MarkFlagRequired("wave")
	return cmd
}

func runScreen(cmd *cobra.Command, configPath string, flags screenFlags) error {
	spiral, err := os.ReadFile(flags.spiral)
	if err != nil {
		return fmt.Errorf("read spiral drawing: %w", err)
	}
	wave, err := os.ReadFile(flags.wave)
	if err != nil {
		return fmt.Errorf("read wave drawing: %w", err)
	}

	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	app, err := buildApplication(ctx, cfg, logger, storage{})
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(nil); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	if err := app.models.Load(ctx); err != nil {
		return err
	}
	record, err := app.uc.Run(ctx, spiral, wave, flags.mode)
	if err != nil {
		return err
	}

	report, err := writeOverlays(record, flags.outDir)
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), report)
}

// writeOverlays saves available overlays into dir, when set, and builds the report.
func writeOverlays(record *usecase.PredictionRecord, dir string) (*screenReport, error) {
	report := &screenReport{Result: record.Result, RequestID: record.RequestID}
	if record.Spiral.Err != nil {
		report.SpiralError = record.Spiral.Err.Error()
	}
	if record.Wave.Err != nil {
		report.WaveError = record.Wave.Err.Error()
	}
	if dir == "" {
		return report, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	for _, out := range []struct {
		stream string
		e      usecase.Explanation
		path   *string
	}{
		{usecase.StreamSpiral, record.Spiral, &report.SpiralOverlay},
		{usecase.StreamWave, record.Wave, &report.WaveOverlay},
	} {
		if !out.e.Available() {
			continue
		}
		path := filepath.Join(dir, out.stream+"_gradcam.png")
		if err := imaging.Save(out.e.Overlay, path); err != nil {
			return nil, fmt.Errorf("save %s overlay: %w", out.stream, err)
		}
		*out.path = path
	}
	return report, nil
}

func printReport(w io.Writer, report *screenReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
