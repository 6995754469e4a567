package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hotswap-go/hotswap/internal/config"
	"github.com/hotswap-go/hotswap/internal/host"
	"github.com/hotswap-go/hotswap/pkg/hotswap"
)

var (
	watchModules  []string
	watchPolicy   string
	watchWorkDir  string
	watchInterval time.Duration
)

type tickMsg time.Time

// watchModel drives the supervised modules from the TUI event loop and shows
// their live status.
type watchModel struct {
	sup      *host.Supervisor
	results  map[string]int32
	updates  uint64
	interval time.Duration
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Init() tea.Cmd {
	return m.tick()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.results = m.sup.UpdateAll()
		m.updates++

		return m, m.tick()
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	fmt.Fprintf(&b, "hotswap watch — %d updates — press q to quit\n\n", m.updates)
	fmt.Fprintf(&b, "  %-16s %-8s %-20s %-8s\n", "MODULE", "VERSION", "FAILURE", "RET")

	for _, name := range m.sup.Names() {
		c, ok := m.sup.Get(name)
		if !ok {
			continue
		}
		ret := "-"
		if r, seen := m.results[name]; seen {
			ret = fmt.Sprintf("%d", r)
		}
		fmt.Fprintf(&b, "  %-16s %-8d %-20s %-8s\n",
			name, c.Version(), c.Failure(), ret)
	}

	return b.String()
}

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run guest modules with a live status display",
	Long: `Like run, but with an interactive terminal display showing each module's
version, last failure classification and step results as artifacts are
rebuilt and swapped in.`,
	Run: func(_ *cobra.Command, _ []string) {
		cfg := config.Get()
		if watchPolicy == "" {
			watchPolicy = cfg.Runtime.Policy
		}
		if watchWorkDir == "" {
			watchWorkDir = cfg.Runtime.WorkDir
		}
		if watchWorkDir == "" {
			watchWorkDir = filepath.Join(os.TempDir(), "hotswap")
		}
		if watchInterval == 0 {
			watchInterval = cfg.Runtime.PollInterval
		}

		policy, err := hotswap.ParsePolicy(watchPolicy)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid state-transfer policy")
		}
		if len(watchModules) == 0 {
			log.Fatal().Msg("at least one --module is required")
		}

		sup := host.NewSupervisor()
		defer sup.CloseAll() //nolint:errcheck

		for _, spec := range watchModules {
			name, artifact := splitModuleSpec(spec)
			if _, err := sup.Add(name, artifact,
				hotswap.WithPolicy(policy),
				hotswap.WithWorkDir(filepath.Join(watchWorkDir, name)),
			); err != nil {
				log.Fatal().Err(err).Str("module", name).Msg("failed to load module")
			}
		}

		// Log output would tear the display; the status table carries the
		// same information.
		zerolog.SetGlobalLevel(zerolog.Disabled)

		m := watchModel{sup: sup, interval: watchInterval}
		if _, err := tea.NewProgram(m).Run(); err != nil {
			log.Fatal().Err(err).Msg("watch display failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringArrayVarP(
		&watchModules, "module", "m", nil, "Module to run (name=path or path), repeatable",
	)
	watchCmd.Flags().StringVar(&watchPolicy, "policy", "", "State-transfer policy")
	watchCmd.Flags().StringVar(&watchWorkDir, "workdir", "", "Directory for private working copies")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Update loop interval")
}
