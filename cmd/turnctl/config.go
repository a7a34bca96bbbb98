package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cexll/turnflow/pkg/classify"
	"github.com/cexll/turnflow/pkg/config"
)

func configCommand(argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to runtime config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: turnctl config [flags] <validate|show>")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  validate  Parse the config and report the first problem found")
		fmt.Fprintln(streams.err, "  show      Print the resolved configuration")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	args := set.Args()
	if len(args) == 0 {
		set.Usage()
		return errors.New("config expects a subcommand")
	}
	switch args[0] {
	case "validate":
		return configValidate(*configFlag, streams.out)
	case "show":
		return configShow(*configFlag, streams.out)
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func configValidate(path string, out io.Writer) error {
	loader, err := config.NewLoader(path)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ok: %s (%d backends, hash %s)\n", cfg.SourcePath, len(cfg.Backends), shortHash(cfg.SourceHash))
	return nil
}

func configShow(path string, out io.Writer) error {
	loader, err := config.NewLoader(path)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "source: %s\n", cfg.SourcePath)
	fmt.Fprintf(out, "storage_mode: %s\n", cfg.StorageMode)
	fmt.Fprintf(out, "max_steps: %d\n", cfg.MaxSteps)
	fmt.Fprintf(out, "approval: %s\n", cfg.Approval.Mode)
	fmt.Fprintln(out, "backends:")
	for _, desc := range cfg.Descriptors() {
		key := "unset"
		if desc.APIKey != "" {
			key = "set"
		}
		marker := " "
		if desc.ID == cfg.DefaultBackend {
			marker = "*"
		}
		fmt.Fprintf(out, "  %s %s  protocol=%s model=%s key=%s\n", marker, desc.ID, desc.Protocol, desc.Model, key)
	}
	if len(cfg.TaskRoutes) > 0 {
		fmt.Fprintln(out, "task_routes:")
		routes := cfg.Mapping().Routes
		categories := make([]string, 0, len(routes))
		for category := range routes {
			categories = append(categories, string(category))
		}
		sort.Strings(categories)
		for _, category := range categories {
			fmt.Fprintf(out, "  %s -> %s\n", category, routes[classify.Category(category)])
		}
	}
	if cfg.Telemetry.Endpoint != "" {
		fmt.Fprintf(out, "telemetry: %s (insecure=%v)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure)
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return strings.TrimSpace(hash)
}
