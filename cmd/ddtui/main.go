package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ddtui/internal/app"
	"ddtui/internal/config"
	"ddtui/internal/engine"
	"ddtui/internal/logring"
	"ddtui/internal/storage"
)

const Version = "0.3.0"

var (
	configPath string
	runsDir    string
)

var rootCmd = &cobra.Command{
	Use:     "ddtui",
	Short:   "Interactive disk imaging: backup, restore, clone and wipe",
	Version: Version,
	RunE:    runTUI,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List saved run reports",
	RunE:  runList,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ddtui.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&runsDir, "runs-dir", "", "override the run report directory")
	rootCmd.AddCommand(runsCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if runsDir != "" {
		cfg.RunsDir = runsDir
	}
	return cfg, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.RunsDir)
	if err != nil {
		return fmt.Errorf("initialize run storage: %w", err)
	}

	ring := logring.New(cfg.LogRetention)
	ring.Infof("ddtui %s started", Version)
	controller := engine.NewController(ring)

	model := app.NewModel(ring, controller, store, cfg)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("tui exited with error: %w", err)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewStore(cfg.RunsDir)
	if err != nil {
		return fmt.Errorf("initialize run storage: %w", err)
	}
	reports, err := store.List(0)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("No saved runs.")
		return nil
	}
	for _, report := range reports {
		fmt.Printf("%s  %-8s %-10s %s -> %s  %s of %s  errors=%d\n",
			report.SavedAt, report.Kind, report.State,
			report.Source, report.Dest,
			humanize.IBytes(report.Transferred), humanize.IBytes(report.TotalBytes),
			report.ErrorCount)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddtui: %v\n", err)
		os.Exit(1)
	}
}
