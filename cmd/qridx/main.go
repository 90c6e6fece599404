// qridx is the offline indexing tool: it registers DICOM files with an index
// without going through the service, verifies index consistency, and prints
// study statistics. It runs with quota file deletion disabled so offline
// indexing can never destroy data.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpacs/qrindex/internal/config"
	"github.com/openpacs/qrindex/internal/dicomfile"
	"github.com/openpacs/qrindex/internal/engine"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/store"
	"github.com/openpacs/qrindex/pkg/logger"
)

var (
	indexPath     string
	maxStudies    int
	maxStudyBytes int64
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "qridx",
	Short: "offline maintenance for archive index files",
	Long: `qridx operates directly on a Query/Retrieve index file, without the
service: bulk-register DICOM files, prune records whose objects are gone,
and print per-study statistics. Quota eviction only tombstones index slots
here; object files are never deleted.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel, "console")
	},
}

var storeCmd = &cobra.Command{
	Use:   "store <file-or-dir>...",
	Short: "register DICOM files with the index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStore,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "remove records whose object files are missing",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print per-study statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	defaultIndex := "index.dat"
	if len(cfg.Storage.Areas) > 0 {
		defaultIndex = filepath.Join(cfg.Storage.Areas[0].Path, "index.dat")
	}

	rootCmd.PersistentFlags().StringVar(&indexPath, "index", defaultIndex, "path to the index file")
	rootCmd.PersistentFlags().IntVar(&maxStudies, "max-studies", cfg.Storage.MaxStudies, "study table capacity")
	rootCmd.PersistentFlags().Int64Var(&maxStudyBytes, "max-study-bytes", cfg.Storage.MaxStudyBytes,
		"per-study byte budget, 0 for unlimited")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.Log.Level, "log level")

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEngine opens the index named by the persistent flags. The caller
// closes the returned store.
func openEngine() (*engine.Engine, *store.Store, error) {
	st, err := store.Open(indexPath, maxStudies, maxStudyBytes)
	if err != nil {
		return nil, nil, err
	}
	return engine.New(st, dicomfile.NewReader(), engine.Options{QuotaDeletesFiles: false}), st, nil
}

func runStore(cmd *cobra.Command, args []string) error {
	e, st, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	stored, skipped := 0, 0
	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			status, detail := e.StoreInstance("", "", path, true)
			if status != models.StatusSuccess {
				log.Warn().Str("file", path).Stringer("status", status).Str("detail", detail).
					Msg("Skipped file")
				skipped++
				return nil
			}
			stored++
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", root, err)
		}
	}
	fmt.Printf("stored %d files, skipped %d\n", stored, skipped)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	e, st, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	removed, status := e.PruneInvalid()
	if status != models.StatusSuccess {
		return fmt.Errorf("prune failed: %s", status)
	}
	fmt.Printf("pruned %d records\n", removed)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	_, st, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	guard, err := st.LockShared()
	if err != nil {
		return err
	}
	defer guard.Release()

	table, err := st.ReadStudyTable()
	if err != nil {
		return err
	}

	studies, instances, bytes := 0, 0, int64(0)
	for _, d := range table {
		if !d.InUse() {
			continue
		}
		studies++
		instances += int(d.InstanceCount)
		bytes += d.Size
		fmt.Printf("%-64s %8d instances %12d bytes\n", d.StudyInstanceUID, d.InstanceCount, d.Size)
	}
	fmt.Printf("total: %d studies, %d instances, %d bytes\n", studies, instances, bytes)
	return nil
}
