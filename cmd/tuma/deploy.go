package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/deploy"
)

// Exit codes for the deploy command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitInvalidInput = 2
	ExitCredential   = 3
)

var (
	deployConfigPath string
	deployDir        string
	deployTimeout    int
	deployQuiet      bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an agent directory to a fresh sandbox",
	Long: `Deploy the agent sources in a local directory to a freshly allocated
cloud sandbox and print the resulting endpoint as JSON.

The directory must contain agent.py exposing a root_agent. All regular
files in the directory are uploaded; an __init__.py is synthesized when
the directory does not provide one.

Examples:
  tuma deploy --dir ./my-agent
  tuma deploy --dir ./my-agent --quiet > result.json

Exit codes:
  0  deployed and verified
  1  deployment failure
  2  invalid agent sources
  3  missing or rejected credentials`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	deployCmd.Flags().StringVar(&deployDir, "dir", ".", "directory containing the agent sources")
	deployCmd.Flags().IntVar(&deployTimeout, "timeout", 600, "overall timeout in seconds")
	deployCmd.Flags().BoolVar(&deployQuiet, "quiet", false, "suppress stage progress on stderr")
}

func runDeploy(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("TUMA_CONFIG", deployConfigPath))
	if err != nil {
		return err
	}

	files, err := collectAgentFiles(deployDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidInput)
	}

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(deployTimeout)*time.Second)
	defer cancel()

	var opts []deploy.RunOption
	if !deployQuiet {
		opts = append(opts, deploy.WithEventSink(printEvent))
	}

	out := sc.Pipeline.Run(ctx, &deploy.Request{Files: files}, opts...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(deploy.Format(out)); err != nil {
		return err
	}

	if !out.Succeeded() {
		switch out.Err.Class {
		case deploy.ClassClientInput:
			os.Exit(ExitInvalidInput)
		case deploy.ClassCredential:
			os.Exit(ExitCredential)
		default:
			os.Exit(ExitFailure)
		}
	}
	return nil
}

// collectAgentFiles walks dir and returns its regular files keyed by
// slash-separated relative path. Hidden files and common local clutter
// are skipped.
func collectAgentFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "venv") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".pyc") {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in %s", dir)
	}
	return files, nil
}

func printEvent(ev deploy.Event) {
	switch ev.Status {
	case "started":
		fmt.Fprintf(os.Stderr, "==> %s\n", ev.Stage)
	case "failed":
		fmt.Fprintf(os.Stderr, "==> %s failed: %s\n", ev.Stage, ev.Message)
	}
}
