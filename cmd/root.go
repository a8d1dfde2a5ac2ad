package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/config"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

var MediagrabVersion = "dev"

var (
	configFile    string
	envFile       string
	outputDir     string
	workers       int
	connections   int
	maxRetries    int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	historyDB     string
	noHistory     bool
	debug         bool
	logFile       string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:     "mediagrab [URL...]",
	Short:   "mediagrab downloads from HTTP, HLS, S3, Google Drive, GitHub, git and YouTube",
	Long:    "Pass URLs directly to let mediagrab pick the platform, or use a subcommand to set platform options.",
	Version: MediagrabVersion,
	Args:    cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		reqs := make([]types.Request, 0, len(args))
		for _, link := range args {
			reqs = append(reqs, newRequest("", link, ""))
		}
		exitOnFailure(run("downloads", reqs))
	},
}

// loadConfig layers the env file, config file and environment, then any flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
		return fmt.Errorf("error loading env file: %w", err)
	}
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		loaded.OutputDir = outputDir
	}
	if flags.Changed("workers") {
		loaded.MaxConcurrentDownloads = workers
	}
	if flags.Changed("connections") {
		loaded.Connections = connections
	}
	if flags.Changed("max-retries") {
		loaded.MaxRetries = maxRetries
	}
	if flags.Changed("timeout") {
		loaded.ConnectTimeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		loaded.KeepAliveTimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		loaded.UserAgent = userAgent
	}
	if loaded.UserAgent == "randomize" {
		loaded.UserAgent = utils.GetRandomUserAgent()
	}
	if flags.Changed("proxy") {
		loaded.Proxy = proxyURL
	}
	if flags.Changed("proxy-username") {
		loaded.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		loaded.ProxyPassword = proxyPassword
	}
	if len(headers) > 0 {
		if loaded.Headers == nil {
			loaded.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			loaded.Headers[k] = v
		}
	}
	if flags.Changed("history-db") {
		loaded.HistoryDB = historyDB
	}
	if noHistory {
		loaded.HistoryDB = ""
	}
	if flags.Changed("debug") {
		loaded.Debug = debug
	}
	if flags.Changed("log-file") {
		loaded.LogFile = logFile
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	utils.InitLogger(cfg.Debug)
	log.Debug().Str("op", "cmd/root").Msgf("Config loaded: %d workers, %d connections, %d retries",
		cfg.MaxConcurrentDownloads, cfg.Connections, cfg.MaxRetries)
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.StringVar(&envFile, "env-file", ".env", "File with MEDIAGRAB_* environment variables")
	flags.StringVarP(&outputDir, "output-dir", "d", ".", "Directory for relative output paths")
	flags.IntVarP(&workers, "workers", "w", 3, "Number of downloads to run in parallel")
	flags.IntVarP(&connections, "connections", "c", 8, "Number of connections per download (above 8 enables high-thread-mode)")
	flags.IntVarP(&maxRetries, "max-retries", "r", 3, "Retries per download after the first attempt")
	flags.DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&historyDB, "history-db", ".mediagrab-history.db", "SQLite file recording finished downloads")
	flags.BoolVar(&noHistory, "no-history", false, "Do not record or skip on download history")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&logFile, "log-file", utils.LogFile, "Log file used while the live display is active")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newM3U8Cmd())
	rootCmd.AddCommand(newS3Cmd())
	rootCmd.AddCommand(newGDriveCmd())
	rootCmd.AddCommand(newGHReleaseCmd())
	rootCmd.AddCommand(newGitCloneCmd())
	rootCmd.AddCommand(newYouTubeCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newHistoryCmd())
}
