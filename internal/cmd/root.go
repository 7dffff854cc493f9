package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opengovern/vendor-bridge/catalog"
)

// Version info set by main package
var versionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// app is the state shared by the subcommands of one command tree.
type app struct {
	v   *viper.Viper
	log zerolog.Logger
}

// NewRootCommand builds the bridgectl command tree. Flags can also be set
// through BRIDGE_* environment variables (BRIDGE_CATALOG, BRIDGE_VERBOSE,
// ...) and vendor tokens through BRIDGE_<VENDOR>_TOKEN.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New(), log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Call vendor SaaS APIs through a rate limited, retrying client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml) with defaults and vendor tokens")
	pf.String("catalog", "", "extra vendor catalog file (yaml), merged over the built-in one")
	pf.BoolP("verbose", "v", false, "verbose output (sets log level to debug)")
	_ = a.v.BindPFlag("config", pf.Lookup("config"))
	_ = a.v.BindPFlag("catalog", pf.Lookup("catalog"))
	_ = a.v.BindPFlag("verbose", pf.Lookup("verbose"))

	root.AddCommand(newCallCmd(a), newCatalogCmd(a), newVersionCmd())
	return root
}

// Execute runs the command tree on os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) init(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("BRIDGE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if cfgFile := a.v.GetString("config"); cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return err
		}
	}

	level := zerolog.InfoLevel
	if a.v.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: !isTerminal(os.Stderr)}).
		Level(level).
		With().Timestamp().Logger()
	return nil
}

// registry returns the built-in catalog merged with --catalog, if given.
func (a *app) registry() (*catalog.Registry, error) {
	reg, err := catalog.Builtin()
	if err != nil {
		return nil, err
	}
	if file := a.v.GetString("catalog"); file != "" {
		extra, err := catalog.LoadFile(file)
		if err != nil {
			return nil, err
		}
		reg.Merge(extra)
	}
	return reg, nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
