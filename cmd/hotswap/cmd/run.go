package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hotswap-go/hotswap/internal/config"
	"github.com/hotswap-go/hotswap/internal/host"
	"github.com/hotswap-go/hotswap/internal/loader"
	"github.com/hotswap-go/hotswap/pkg/hotswap"
)

var (
	runModules  []string
	runPolicy   string
	runWorkDir  string
	runInterval time.Duration
	metricsAddr string
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run guest modules with hot reload",
	Long: `Load one or more WebAssembly guest artifacts and step them in a loop,
reloading each one in place whenever its artifact is rebuilt. Module arguments
take the form name=path/to/guest.wasm; a bare path uses the file name as the
module name.`,
	Run: func(_ *cobra.Command, _ []string) {
		cfg := config.Get()
		if runPolicy == "" {
			runPolicy = cfg.Runtime.Policy
		}
		if runWorkDir == "" {
			runWorkDir = cfg.Runtime.WorkDir
		}
		if runWorkDir == "" {
			runWorkDir = filepath.Join(os.TempDir(), "hotswap")
		}
		if runInterval == 0 {
			runInterval = cfg.Runtime.PollInterval
		}

		policy, err := hotswap.ParsePolicy(runPolicy)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid state-transfer policy")
		}
		if len(runModules) == 0 {
			log.Fatal().Msg("at least one --module is required")
		}

		sup := host.NewSupervisor()
		defer sup.CloseAll() //nolint:errcheck

		// One coalesced wake signal serves all artifact watchers; the mtime
		// check inside Update decides which modules actually reload.
		wake := make(chan struct{}, 1)
		var watchers []*loader.Watcher

		for _, spec := range runModules {
			name, artifact := splitModuleSpec(spec)
			if _, err := sup.Add(name, artifact,
				hotswap.WithPolicy(policy),
				hotswap.WithWorkDir(filepath.Join(runWorkDir, name)),
			); err != nil {
				log.Fatal().Err(err).Str("module", name).Msg("failed to load module")
			}

			w, err := loader.NewWatcher(artifact)
			if err != nil {
				log.Warn().Err(err).
					Str("module", name).
					Msg("artifact watcher unavailable, relying on polling")

				continue
			}
			watchers = append(watchers, w)
			go func(c <-chan struct{}) {
				for range c {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}(w.C)
		}
		defer func() {
			for _, w := range watchers {
				w.Close() //nolint:errcheck,gosec // best effort cleanup.
			}
		}()

		if metricsAddr != "" {
			go serveMetrics(metricsAddr)
		}

		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(runInterval)
		defer ticker.Stop()

		log.Info().
			Int("modules", len(runModules)).
			Dur("interval", runInterval).
			Str("policy", policy.String()).
			Msg("host loop running")

		for {
			select {
			case sig := <-stopChan:
				log.Info().Msgf("signal %v received, shutting down", sig)

				return
			case <-ticker.C:
			case <-wake:
			}
			sup.UpdateAll()
		}
	},
}

// splitModuleSpec parses name=path, defaulting the name to the artifact's
// base name without extension.
func splitModuleSpec(spec string) (name, artifact string) {
	if i := strings.IndexByte(spec, '='); i >= 0 {
		return spec[:i], spec[i+1:]
	}

	base := filepath.Base(spec)

	return strings.TrimSuffix(base, filepath.Ext(base)), spec
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(
		&runModules, "module", "m", nil, "Module to run (name=path or path), repeatable",
	)
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "State-transfer policy")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "Directory for private working copies")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Update loop interval")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address")
}
