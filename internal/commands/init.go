package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/marketledger/internal/config"
	"github.com/cleared-dev/marketledger/internal/gitops"
	"github.com/cleared-dev/marketledger/internal/store/csvstore"
)

func newInitCommand(opts *globalOptions) *cobra.Command {
	var name string
	var noGit bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new marketplace project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.dir
			if len(args) > 0 {
				dir = args[0]
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}

			return runInit(cmd.Context(), cmd.OutOrStdout(), absDir, name, !noGit)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "marketplace name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().BoolVar(&noGit, "no-git", false, "do not create a git repository")

	return cmd
}

func runInit(ctx context.Context, out io.Writer, dir, name string, withGit bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	cfg := config.Default(name)
	dirs := []string{
		cfg.Store.DataDir,
		"logs",
		"carts",
		filepath.Join("carts", "processed"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	if err := csvstore.New(filepath.Join(dir, cfg.Store.DataDir)).Init(); err != nil {
		return fmt.Errorf("creating data files: %w", err)
	}

	gitignore := "carts/processed/\n*.prom\n" + filepath.ToSlash(filepath.Join(cfg.Store.DataDir, csvstore.LockFile)) + "\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "carts", ".gitkeep"), []byte{}, 0o644); err != nil {
		return fmt.Errorf("writing .gitkeep: %w", err)
	}

	if !withGit {
		fmt.Fprintf(out, "Initialized marketplace %q at %s\n", name, dir)
		return nil
	}

	if err := gitops.Init(ctx, dir); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	author := gitops.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}
	hash, err := gitops.Commit(ctx, dir, "init: Initialize "+name, author)
	if err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}

	fmt.Fprintf(out, "Initialized marketplace %q at %s (%s)\n", name, dir, hash)
	return nil
}
