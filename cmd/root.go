package cmd

import (
	"fmt"
	"io"
	u "net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tanq16/haul/internal/config"
	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/utils"
)

var (
	cfgFile       string
	debug         bool
	logFile       string
	chunkSize     string
	timeout       time.Duration
	idleTimeout   time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	retention     string
	keepPartial   bool
	limit         string
	workers       int
	window        time.Duration
	interval      time.Duration

	cfg       config.Config
	logCloser io.Closer
)

var HaulVersion = "dev"

var rootCmd = &cobra.Command{
	Use:               "haul",
	Short:             "Haul is a resumable, cancellable download manager",
	Version:           HaulVersion,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file; flags override its values")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&logFile, "log-file", "", "Write JSON logs to this file instead of stderr")
	flags.StringVar(&chunkSize, "chunk-size", humanize.IBytes(utils.DefaultChunkSize), "Read size per chunk (eg. 64KiB, 1MiB)")
	flags.DurationVarP(&timeout, "timeout", "t", utils.DefaultTimeout, "Connect and response header timeout (eg. 5s, 1m)")
	flags.DurationVar(&idleTimeout, "idle-timeout", utils.DefaultIdleTimeout, "Fail when no bytes arrive for this long")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", utils.DefaultKATimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&retention, "retention", "delete", "What to do with partial files of cancelled or failed downloads (delete, keep)")
	flags.BoolVar(&keepPartial, "keep-partial", false, "Shorthand for --retention keep")
	flags.StringVarP(&limit, "limit", "L", "", "Bandwidth cap across all downloads (eg. 500KiB, 2MB); empty means unlimited")
	flags.IntVarP(&workers, "workers", "w", 1, "Number of downloads to run in parallel")
	flags.DurationVar(&window, "throughput-window", progress.DefaultWindow, "Smoothing window for the reported download speed")
	flags.DurationVar(&interval, "progress-interval", progress.DefaultInterval, "Minimum gap between progress updates")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newServeCmd())
}

// setup loads the config file, applies changed flags on top and starts
// logging.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logFile == "" {
		logFile = cfg.LogFile
	}
	if logFile != "" {
		closer, err := utils.InitFileLogger(debug, logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCloser = closer
	} else {
		utils.InitLogger(debug)
	}

	flags := cmd.Flags()
	if flags.Changed("chunk-size") {
		size, err := config.ParseSize(chunkSize)
		if err != nil || size <= 0 {
			return fmt.Errorf("invalid --chunk-size %q", chunkSize)
		}
		cfg.ChunkSize = int(size)
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout = idleTimeout
	}
	if flags.Changed("keep-alive-timeout") {
		cfg.KATimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.ProxyURL = proxyURL
	}
	if flags.Changed("proxy-username") {
		cfg.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		cfg.ProxyPassword = proxyPassword
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		cfg.Headers[k] = v
	}
	if flags.Changed("retention") {
		if cfg.Retention, err = job.ParseRetention(retention); err != nil {
			return err
		}
	}
	if keepPartial {
		cfg.Retention = job.RetainKeep
	}
	if flags.Changed("limit") {
		if limit == "" {
			cfg.BandwidthLimit = 0
		} else if cfg.BandwidthLimit, err = config.ParseSize(limit); err != nil {
			return fmt.Errorf("invalid --limit %q: %w", limit, err)
		}
	}
	if flags.Changed("workers") {
		cfg.Workers = max(workers, 1)
	}
	if flags.Changed("throughput-window") {
		if window <= 0 {
			return fmt.Errorf("invalid --throughput-window %s", window)
		}
		cfg.ThroughputWindow = window
	}
	if flags.Changed("progress-interval") {
		if interval <= 0 {
			return fmt.Errorf("invalid --progress-interval %s", interval)
		}
		cfg.ProgressInterval = interval
	}
	splitProxyAuth(&cfg)
	log.Debug().
		Int("chunk_size", cfg.ChunkSize).
		Str("retention", cfg.Retention.String()).
		Int64("limit", cfg.BandwidthLimit).
		Int("workers", cfg.Workers).
		Msg("Configuration loaded")
	return nil
}

// splitProxyAuth moves credentials embedded in the proxy URL into the
// separate fields unless those were set explicitly.
func splitProxyAuth(c *config.Config) {
	parsedProxy, err := u.Parse(c.ProxyURL)
	if err != nil || parsedProxy.User == nil || c.ProxyUsername != "" {
		return
	}
	c.ProxyUsername = parsedProxy.User.Username()
	if password, set := parsedProxy.User.Password(); set {
		c.ProxyPassword = password
	}
	parsedProxy.User = nil
	c.ProxyURL = parsedProxy.String()
}
