package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/tweakagent/internal/audit"
	"github.com/breeze-rmm/tweakagent/internal/auditreport"
	"github.com/breeze-rmm/tweakagent/internal/config"
	"github.com/breeze-rmm/tweakagent/internal/dispatcher"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/privilege"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var (
	applyFile   string
	applyReport bool
)

var applyCmd = &cobra.Command{
	Use:   "apply --file <definition>",
	Short: "Apply one tweak definition locally and print its log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyLocal(cmd.Context(), applyFile, applyReport)
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "YAML or JSON tweak definition")
	applyCmd.Flags().BoolVar(&applyReport, "report", false, "also send the log to the configured hub")
	_ = applyCmd.MarkFlagRequired("file")
}

// loadDefinition reads a definition from path. Files ending in .json are
// decoded as JSON, anything else as YAML. Unknown fields are rejected.
func loadDefinition(path string) (tweak.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tweak.Definition{}, fmt.Errorf("read definition: %w", err)
	}
	var def tweak.Definition
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&def)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&def)
	}
	if err != nil {
		return tweak.Definition{}, tweak.NewSerializationError("", fmt.Errorf("decode %s: %w", filepath.Base(path), err))
	}
	if err := tweak.Validate(def); err != nil {
		return tweak.Definition{}, err
	}
	return def, nil
}

func loadConfigOrDefault() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Debug("using default config", logging.KeyError, err)
		return config.Default()
	}
	return cfg
}

func applyLocal(ctx context.Context, path string, report bool) error {
	logging.Init("text", "info", os.Stderr)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}
	cfg := loadConfigOrDefault()
	if cfg.DeviceID == "" {
		cfg.DeviceID, _ = os.Hostname()
	}

	journal, err := audit.Open("", cfg)
	if err != nil {
		log.Warn("audit journal unavailable", logging.KeyError, err)
	}
	defer journal.Close()

	runner := executor.New()
	modules, err := buildModules(cfg, runner, journal)
	if err != nil {
		return err
	}
	opts := []dispatcher.Option{
		dispatcher.WithJournal(journal),
		dispatcher.WithRestorePoints(restoreCreator(cfg)),
		dispatcher.WithElevationCheck(privilege.IsElevated),
	}
	if report && cfg.ServerURL != "" {
		opts = append(opts, dispatcher.WithReporter(
			auditreport.New(cfg.ServerURL, cfg.MachineToken, auditreport.WithFailureSink(journal))))
	}
	d := dispatcher.New(cfg.DeviceID, modules, opts...)

	l := d.Dispatch(ctx, def, uuid.NewString())
	d.Wait(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	if !l.Success {
		return fmt.Errorf("tweak %s failed: %s", def.ID, l.ReasonCode)
	}
	return nil
}
