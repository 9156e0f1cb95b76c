package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jotelha/jlhfw/internal/ctxlog"
	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/task"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "validate":
		validate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  fwrecover run --task <task.yaml> --spec <spec.yaml> [--workdir <dir>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  fwrecover validate --task <task.yaml>")
}

func run(args []string) {
	var taskPath string
	var specPath string
	var workdir string
	var verbose bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--verbose":
			verbose = true
		case "--task":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			taskPath = args[i]
		case "--spec":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--spec requires a value")
				os.Exit(1)
			}
			specPath = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workdir requires a value")
				os.Exit(1)
			}
			workdir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if taskPath == "" || specPath == "" {
		usage()
		os.Exit(1)
	}

	t, err := task.LoadConfigFile(taskPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if workdir != "" {
		t.Workdir = workdir
	}

	fwSpec, err := loadSpecFile(specPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	action, err := t.Run(ctx, fwSpec)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(action.Payload(), "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func validate(args []string) {
	var taskPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			taskPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if taskPath == "" {
		usage()
		os.Exit(1)
	}
	if _, err := task.LoadConfigFile(taskPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func loadSpecFile(path string) (spec.Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return spec.Spec(m), nil
}
