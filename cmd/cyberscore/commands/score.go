package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/cyberscore/internal/scoring"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

func NewScoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a saved raw-data file offline",
		Long: `Run the eight domain analyzers and the scoring engine over a raw-data JSON file
(as written by "cyberscore scan --raw-output") without contacting any source.`,
		Args: cobra.NoArgs,
		RunE: runScore,
	}
	cmd.Flags().StringP("input", "i", "", "Raw data JSON file")
	cmd.Flags().IntP("employees", "e", 0, "Vendor employee count (0 when unknown)")
	cmd.Flags().String("target-id", "", "Vendor identifier for the report")
	cmd.Flags().StringP("output", "o", "", "Write the score report as JSON to this file")
	_ = cmd.MarkFlagRequired("input")

	_ = viper.BindPFlag("score.input", cmd.Flags().Lookup("input"))
	_ = viper.BindPFlag("score.employees", cmd.Flags().Lookup("employees"))
	_ = viper.BindPFlag("score.target_id", cmd.Flags().Lookup("target-id"))
	_ = viper.BindPFlag("score.output", cmd.Flags().Lookup("output"))
	return cmd
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	raw, err := loadRawData(viper.GetString("score.input"))
	if err != nil {
		return err
	}

	targetID := viper.GetString("score.target_id")
	if targetID == "" {
		targetID = raw.Domain
	}
	if targetID == "" {
		return models.ErrEmptyTargetID
	}

	engine := scoring.NewEngine(cfg.Scoring, logrus.StandardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Scoring.Timeout)
	defer cancel()
	report, err := engine.Score(ctx, targetID, raw, viper.GetInt("score.employees"))
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}
	report.Domain = raw.Domain

	if path := viper.GetString("score.output"); path != "" {
		if err := writeJSONFile(path, report); err != nil {
			return err
		}
		logrus.Infof("Score report written to %s", path)
	}
	printSummary(cmd.OutOrStdout(), report, nil, nil, 0)
	return nil
}

func loadRawData(path string) (*models.RawData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read raw data: %w", err)
	}
	var raw models.RawData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse raw data %s: %w", path, err)
	}
	return &raw, nil
}
