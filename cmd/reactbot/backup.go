package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"reactbot/internal/config"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps them back onto the configured paths.
const (
	archiveDB     = "reactbot.db"
	archiveConfig = "config.json"
	archiveChats  = "chats.yaml"
)

type archiveFile struct {
	path string // on disk
	name string // inside the archive
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of reactbot data (database, config, chat registry)",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot of
the SQLite database, the configuration file and the chat registry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("reactbot-backup-%s.tar.gz", ts))
			}

			tmpDir, err := os.MkdirTemp("", "reactbot-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			files := []archiveFile{{path: cfgPath, name: archiveConfig}}

			if _, err := os.Stat(cfg.Storage.DBPath); err == nil {
				snapshot := filepath.Join(tmpDir, archiveDB)
				if err := snapshotDatabase(cfg, snapshot); err != nil {
					return err
				}
				files = append(files, archiveFile{path: snapshot, name: archiveDB})
			} else {
				logger.Warn("database not found, skipping", "path", cfg.Storage.DBPath)
			}

			if _, err := os.Stat(cfg.General.ChatsFile); err == nil {
				files = append(files, archiveFile{path: cfg.General.ChatsFile, name: archiveChats})
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(files))
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f.path); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(out, "  - %s (%s)\n", f.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.reactbot/backups/reactbot-backup-<timestamp>.tar.gz)")
	cmd.AddCommand(restoreCmd())
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore reactbot data from a backup archive",
		Long: `Restores the database, configuration file and chat registry from an
archive created by 'reactbot backup'. Stop the gateway first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				// Restoring onto a fresh machine: fall back to default paths.
				cfg = config.Defaults()
				cfg.General.ChatsFile = config.ExpandPath(cfg.General.ChatsFile)
				cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
			}

			targets := map[string]string{
				archiveConfig: cfgPath,
				archiveChats:  cfg.General.ChatsFile,
				archiveDB:     cfg.Storage.DBPath,
			}

			if !force {
				for _, p := range targets {
					if _, err := os.Stat(p); err == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "WARNING: %s exists and would be overwritten.\n", p)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// Stale WAL files would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(cfg.Storage.DBPath + suffix)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func snapshotDatabase(cfg *config.Config, dst string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return st.Backup(ctx, dst)
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []archiveFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, f archiveFile) error {
	file, err := os.Open(f.path)
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
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes the known archive members to their target paths.
// Unknown members are skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok || header.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
