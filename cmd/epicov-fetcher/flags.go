package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/epicov-fetcher/internal/config"
)

// EnvPrefix is prepended to every bound key when read from the environment,
// so "locations" is also read from EPICOV_LOCATIONS.
const EnvPrefix = "epicov"

const (
	filetypesMsg   = "artifacts to download: fasta, meta, ackno, all or none (comma separated or repeated)"
	locationMsg    = "state(s) for which data is desired; standard two-letter abbreviations allowed"
	episetMsg      = "request an EPI_SET for the selection after any downloads"
	downloadsMsg   = "directory your web browser saves downloads to"
	epicovDirMsg   = "local directory holding accession_info/ and gisaid_metadata/; created if absent"
	configMsg      = "path to the YAML config file"
	quickMsg       = "don't pause and require pressing enter to continue"
	skipRefreshMsg = "don't refresh the local accession list from the cluster before downloading"
	noClusterMsg   = "don't transfer any files to or from the cluster"
)

// bindFlags registers the run flags on cmd and binds each to its viper key.
func bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringSliceP("filetypes", "f", []string{"all"}, filetypesMsg)
	f.StringSliceP("location", "l", nil, locationMsg)
	f.BoolP("episet", "e", false, episetMsg)
	f.StringP("downloads", "d", "", downloadsMsg)
	f.StringP("epicov-dir", "w", "", epicovDirMsg)
	f.StringP("config", "c", config.DefaultPath, configMsg)
	f.BoolP("quick", "q", false, quickMsg)
	f.BoolP("skip-refresh", "s", false, skipRefreshMsg)
	f.BoolP("no-cluster", "n", false, noClusterMsg)

	keys := map[string]string{
		"filetypes":    "filetypes",
		"locations":    "location",
		"episet":       "episet",
		"downloads":    "downloads",
		"epicov_dir":   "epicov-dir",
		"config":       "config",
		"quick":        "quick",
		"skip_refresh": "skip-refresh",
		"no_cluster":   "no-cluster",
	}
	for key, flag := range keys {
		if err := viper.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("INTERNAL ERROR: could not bind %s flag to %s environment variable", flag, key))
		}
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
}

// loadConfig reads the config file named by v and folds flag and
// environment overrides over it. A missing file at the default path means
// defaults; a missing file the operator named is an error.
func loadConfig(v *viper.Viper) (config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || v.IsSet("config") {
			return config.Config{}, err
		}
		cfg = config.Default()
	}
	applyOverrides(&cfg, v)
	return cfg, nil
}

// applyOverrides copies every key the operator set, by flag or environment,
// into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet("filetypes") {
		cfg.Download.Filetypes = v.GetStringSlice("filetypes")
	}
	if v.IsSet("locations") {
		cfg.Download.Locations = v.GetStringSlice("locations")
	}
	if v.IsSet("episet") && v.GetBool("episet") {
		cfg.Download.EPISet = true
	}
	if v.IsSet("downloads") {
		cfg.Paths.Downloads = v.GetString("downloads")
	}
	if v.IsSet("epicov_dir") {
		cfg.Paths.EpicovDir = v.GetString("epicov_dir")
	}
	if v.IsSet("quick") && v.GetBool("quick") {
		cfg.Download.Wait = false
	}
	if v.IsSet("skip_refresh") && v.GetBool("skip_refresh") {
		cfg.Cluster.SkipRefresh = true
	}
	if v.IsSet("no_cluster") && v.GetBool("no_cluster") {
		cfg.Cluster.Enabled = false
	}
}

// resolveDownloads fills in the downloads directory when neither the file
// nor the flags named one.
func resolveDownloads(cfg *config.Config) error {
	cwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	dir, err := config.FindDownloadsDir(cfg.Paths.Downloads, cwd, home)
	if err != nil {
		return err
	}
	cfg.Paths.Downloads = dir
	return nil
}
