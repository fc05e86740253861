package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/daniellavrushin/pktreplay/config"
	rphttp "github.com/daniellavrushin/pktreplay/http"
	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/metrics"
	"github.com/daniellavrushin/pktreplay/replay"
	"github.com/daniellavrushin/pktreplay/sock"
	"github.com/daniellavrushin/pktreplay/sock/pcapinject"
	"github.com/daniellavrushin/pktreplay/timing"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	onlyFlag    string
	showVersion bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pktreplay [flags] <capture>...",
	Short: "Replay captured traffic onto the network",
	Long: `pktreplay sends the packets of one or more pcap/pcapng captures out of
one or two interfaces, reproducing the captured timing or a fixed rate.
Use "-" to read a capture from standard input.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runReplay,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, warn, error, silent)")
	rootCmd.Flags().StringVar(&onlyFlag, "only", "both", "Send only the packets routed to this interface (both|primary|secondary)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Flush()
		os.Exit(1)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("pktreplay version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	if err := loadConfig(cmd); err != nil {
		return err
	}
	if cfg.ConfigPath == "" || cmd.Flags().Changed("verbose") {
		cfg.ApplyLogLevel(verboseFlag)
	}

	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}
	defer func() {
		log.CloseErrorFile()
		log.Flush()
	}()

	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}
	if len(args) == 0 {
		return log.Errorf("at least one capture file is required")
	}
	only, err := parseOnly(onlyFlag)
	if err != nil {
		return err
	}

	printConfigDefaults(cmd)

	if cfg.System.Otel.Enabled {
		shutdownOtel := InitOtelProvider(&cfg.System.Otel)
		defer shutdownOtel()
	}
	collector := metrics.GetMetricsCollector()

	rc := replay.New()
	defer rc.Close()

	if err := rc.SetOpener(openerFor(cfg.Interfaces.Inject)); err != nil {
		return err
	}
	if err := rc.SetObserver(collector); err != nil {
		return err
	}
	if err := cfg.Apply(rc); err != nil {
		return log.Errorf("failed to configure replay: %w", err)
	}
	if err := addSources(rc, args); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rc.Options().Speed.Mode == timing.OneAtATime {
		if containsStdin(args) {
			return log.Errorf("one-at-a-time mode reads its prompts from stdin and cannot replay a capture from stdin")
		}
		if err := rc.SetManualCallback(stdinPrompt(runCtx, os.Stdin, os.Stderr)); err != nil {
			return err
		}
	}

	httpServer, err := rphttp.StartServer(runCtx, &cfg, rc)
	if err != nil {
		return log.Errorf("failed to start web server: %w", err)
	}
	keepServing := httpServer != nil

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := rc.Replay(gctx, only)
		printStats(os.Stdout, rc)
		if !keepServing {
			cancel()
		} else {
			log.Infof("Replay finished; control API still listening. Press Ctrl+C to exit")
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return handleSignals(gctx, rc, cancel)
	})

	err = g.Wait()

	if httpServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.Errorf("HTTP server shutdown error: %v", serr)
		}
		stop()
	}
	rphttp.Shutdown()

	return err
}

// loadConfig reads the config file, keeping flags given on the command line
// ahead of values from the file.
func loadConfig(cmd *cobra.Command) error {
	if cfg.ConfigPath == "" {
		return nil
	}
	changed := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	if err := cfg.LoadFromFile(cfg.ConfigPath); err != nil {
		return err
	}
	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return nil
}

func parseOnly(s string) (replay.Interface, error) {
	switch s {
	case "", "both":
		return replay.Both, nil
	case "primary", "1":
		return replay.Primary, nil
	case "secondary", "2":
		return replay.Secondary, nil
	}
	return replay.Both, fmt.Errorf("--only must be both, primary or secondary, got %q", s)
}

func openerFor(inject string) replay.Opener {
	if inject == config.InjectPcap {
		return func(name string) (replay.Transmitter, error) {
			i, err := pcapinject.Open(name)
			if err != nil {
				return nil, err
			}
			return i, nil
		}
	}
	return func(name string) (replay.Transmitter, error) {
		s, err := sock.Open(name)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func containsStdin(args []string) bool {
	for _, a := range args {
		if a == "-" {
			return true
		}
	}
	return false
}

func addSources(rc *replay.Context, args []string) error {
	for _, path := range args {
		var err error
		if path == "-" {
			_, err = rc.AddSourceFD(os.Stdin.Fd())
		} else {
			_, err = rc.AddSourceFile(path)
		}
		if err != nil {
			return log.Errorf("failed to add source %s: %w", path, err)
		}
	}
	log.Infof("Queued %d capture(s)", rc.SourceCount())
	return nil
}

// handleSignals maps SIGINT/SIGTERM to abort and shutdown, SIGUSR1 to
// suspend and SIGUSR2 to resume. It returns once ctx is done.
func handleSignals(ctx context.Context, rc *replay.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if err := rc.Suspend(); err != nil {
					log.Warnf("Suspend: %v", err)
				} else {
					log.Infof("Replay suspended (SIGUSR1)")
				}
			case syscall.SIGUSR2:
				if err := rc.Resume(); err != nil {
					log.Warnf("Resume: %v", err)
				} else {
					log.Infof("Replay resumed (SIGUSR2)")
				}
			default:
				log.Infof("Received signal: %v, shutting down", sig)
				if rc.State().Active() {
					rc.Abort()
				}
				cancel()
				return nil
			}
		}
	}
}

// stdinPrompt asks on out how many packets to send next, reading answers
// from in. An empty answer sends one packet, 0 sends the rest of the run.
// End of input or a cancelled ctx aborts the run.
func stdinPrompt(ctx context.Context, in io.Reader, out io.Writer) replay.ManualCallback {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *replay.Context, iface string, packet uint64) uint32 {
		for {
			fmt.Fprintf(out, "**** Next packet #%d out %s. How many packets do you wish to send? ", packet, iface)
			var line string
			var ok bool
			select {
			case line, ok = <-lines:
			case <-ctx.Done():
			}
			if !ok {
				fmt.Fprintln(out)
				c.Abort()
				return 1
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return 1
			}
			n, err := strconv.ParseUint(line, 10, 32)
			if err != nil {
				fmt.Fprintf(out, "Invalid number %q\n", line)
				continue
			}
			return uint32(n)
		}
	}
}

func printStats(w io.Writer, rc *replay.Context) {
	s := rc.Stats()
	opts := rc.Options()
	d := s.Duration()

	fmt.Fprintf(w, "Actual: %d packets (%d bytes) sent in %.2f seconds\n", s.PktsSent, s.BytesSent, d.Seconds())
	fmt.Fprintf(w, "Rated: %.1f Bps, %.2f Mbps, %.2f pps\n", s.BitsPerSecond()/8, s.BitsPerSecond()/1e6, s.PacketsPerSecond())
	fmt.Fprintf(w, "Statistics for network device: %s\n", opts.Intf1)
	fmt.Fprintf(w, "\tSuccessful packets:        %d\n", s.PktsSent)
	fmt.Fprintf(w, "\tFailed packets:            %d\n", s.Failed)
	fmt.Fprintf(w, "\tDropped by routing cache:  %d\n", s.Dropped)
	if e := rc.Err(); e != "" {
		fmt.Fprintf(w, "Last error: %s\n", e)
	}
	if wrn := rc.Warn(); wrn != "" {
		fmt.Fprintf(w, "Last warning: %s\n", wrn)
	}
}

func initLogging(cfg *config.Config) error {
	if cfg.System.Logging.Syslog {
		if err := log.EnableSyslog("pktreplay"); err != nil {
			log.Errorf("Failed to enable syslog: %v", err)
			return err
		}
		log.Infof("Syslog enabled")
	}

	if cfg.System.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.System.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", cfg.System.Logging.ErrorFile)
		}
	}

	w := io.Writer(log.OrigStderr())
	if cfg.System.WebServer.Port > 0 {
		w = io.MultiWriter(w, rphttp.LogWriter())
	}
	log.Init(w, cfg.System.Logging.Level, cfg.System.Logging.Instaflush)
	return nil
}

func printConfigDefaults(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	parts := make([]string, 0, len(all))
	for _, f := range all {
		parts = append(parts, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	}
	log.Debugf("Effective CLI flags: %s", strings.Join(parts, " "))
}
