package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/config"

	"github.com/spf13/cobra"
)

// Names of the entries inside a backup archive.
const (
	archiveDBName     = "access.db"
	archiveConfigName = "config"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the access database and config file",
		Long: `Creates a .tar.gz archive with a consistent snapshot of the access database
and the config file. The archive name is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Read(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(config.DefaultConfigDir(), "backups", "navigatorbot-"+ts+".tar.gz")
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
				return fmt.Errorf("cannot create backup directory: %w", err)
			}

			entries := map[string]string{}

			if _, err := os.Stat(cfg.Access.DBPath); err == nil {
				tmpDir, err := os.MkdirTemp("", "navigatorbot-backup-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmpDir)

				snapshot := filepath.Join(tmpDir, archiveDBName)
				if err := snapshotDB(cmd.Context(), cfg.Access.DBPath, snapshot); err != nil {
					return err
				}
				entries[archiveDBName] = snapshot
			}
			if _, err := os.Stat(cfgPath); err == nil {
				entries[archiveConfigName+filepath.Ext(cfgPath)] = cfgPath
			}
			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", cfg.Access.DBPath, cfgPath)
			}

			if err := writeArchive(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s (%d file(s))\n", outputPath, len(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.navigatorbot/backups/navigatorbot-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore the access database and config file from a backup",
		Long: `Restores files from an archive created by 'navigatorbot backup'. Stop the
bot first: the access database is replaced on disk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Read(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.Access.DBPath = config.ExpandPath(cfg.Access.DBPath)
			}
			dbPath := cfg.Access.DBPath

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; restore would overwrite it (use --force)", p)
					}
				}
			}

			targets := func(name string) (string, bool) {
				switch {
				case name == archiveDBName:
					return dbPath, true
				case name == archiveConfigName+filepath.Ext(name):
					return cfgPath, true
				}
				return "", false
			}
			restored, err := extractArchive(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale write-ahead log would be replayed on top of the restored file.
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(dbPath + suffix)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func snapshotDB(ctx context.Context, dbPath, dest string) error {
	store, err := access.OpenStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Snapshot(ctx, dest)
}

// writeArchive stores each source file under its entry name.
func writeArchive(outputPath string, entries map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gz := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gz)

	for name, src := range entries {
		if err := addFileToTar(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractArchive writes every entry that target maps to a path and skips
// the rest.
func extractArchive(archivePath string, target func(name string) (string, bool)) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		path, ok := target(filepath.Base(header.Name))
		if !ok {
			logger.Warn("skipping unknown backup entry", "name", header.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, path)
	}
	return restored, nil
}
