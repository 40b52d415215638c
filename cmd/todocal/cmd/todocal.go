package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"todocal/backend"
	"todocal/internal/calendar"
	"todocal/internal/cli/prompt"
	"todocal/internal/config"
	"todocal/internal/session"
	"todocal/internal/utils"
	"todocal/internal/views"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = views.ResultActionCompleted
	ResultInfoOnly        = views.ResultInfoOnly
	ResultError           = views.ResultError
)

// Config holds command-line overrides of the config file
type Config struct {
	NoPrompt     bool
	Verbose      bool
	OutputFormat string
	ConfigPath   string    // Path to config file (for testing)
	DBPath       string    // Overrides sqlite.path (for testing)
	Stdin        io.Reader // Defaults to os.Stdin
	Today        string    // Overrides the current date, YYYY-MM-DD (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	if cfg == nil {
		cfg = &Config{}
	}
	rootCmd := NewTodoCal(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if containsJSONFlag(args) || cfg.OutputFormat == "json" {
			views.WriteErrorJSON(stdout, err)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewTodoCal creates the root command with injectable IO
func NewTodoCal(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "todocal",
		Short:   "A calendar of to-do lists",
		Long:    "todocal keeps dated to-do lists on a month calendar, stored locally in SQLite or in a Supabase project.",
		Version: Version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file (default $XDG_CONFIG_HOME/todocal/config.yaml)")
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newAuthCmd(stdout, stderr, cfg))
	cmd.AddCommand(newMonthCmd(stdout, stderr, cfg))
	cmd.AddCommand(newDayCmd(stdout, stderr, cfg))
	cmd.AddCommand(newListCmd(stdout, stderr, cfg))
	cmd.AddCommand(newTaskCmd(stdout, stderr, cfg))
	cmd.AddCommand(newWatchCmd(stdout, stderr, cfg))
	cmd.AddCommand(newTUICmd(stdout, stderr, cfg))

	return cmd
}

// =============================================================================
// Command runtime
// =============================================================================

// app is what one command invocation works with: the merged configuration,
// the opened session and the IO streams.
type app struct {
	cfg      *Config
	conf     *config.Config
	sess     *session.Session
	stdout   io.Writer
	stderr   io.Writer
	in       io.Reader
	prompter *utils.Prompter
	resolver *prompt.Resolver
	jsonOut  bool
	now      time.Time
}

// openApp loads the config, applies the global flags and opens the session.
// The caller must close the returned app.
func openApp(cmd *cobra.Command, cfg *Config, stdout, stderr io.Writer) (*app, error) {
	noPrompt, _ := cmd.Flags().GetBool("no-prompt")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOut, _ := cmd.Flags().GetBool("json")
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = cfg.ConfigPath
	}

	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath != "" {
		conf.SQLite.Path = cfg.DBPath
	}
	output := cfg.OutputFormat
	if jsonOut {
		output = "json"
	}
	conf.ApplyFlags(noPrompt || cfg.NoPrompt, verbose || cfg.Verbose, output)

	// Execute reports errors according to the merged settings
	cfg.NoPrompt = conf.NoPrompt
	cfg.OutputFormat = conf.Output

	utils.SetVerboseMode(conf.Logging.Verbose)
	utils.GetLogger().SetOutput(stderr)

	now := time.Now()
	if cfg.Today != "" {
		if t, err := backend.ParseDate(cfg.Today); err == nil {
			now = t
		}
	}

	sess, err := session.Open(cmd.Context(), conf)
	if err != nil {
		return nil, err
	}
	utils.Debugf("opened %s backend", conf.Backend)

	in := cfg.Stdin
	if in == nil {
		in = os.Stdin
	}
	p := utils.NewPrompter(in, stdout)
	return &app{
		cfg:      cfg,
		conf:     conf,
		sess:     sess,
		stdout:   stdout,
		stderr:   stderr,
		in:       in,
		prompter: p,
		resolver: &prompt.Resolver{Prompter: p, NoPrompt: conf.NoPrompt},
		jsonOut:  conf.Output == "json",
		now:      now,
	}, nil
}

// runApp opens the app, runs fn and closes the session
func runApp(cmd *cobra.Command, cfg *Config, stdout, stderr io.Writer, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd, cfg, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.sess.Close(); err != nil {
			utils.Warnf("close session: %v", err)
		}
	}()
	return fn(cmd.Context(), a)
}

func (a *app) today() string {
	return backend.FormatDate(a.now)
}

func (a *app) resolveDate(s string) (string, error) {
	return utils.ResolveDateAt(s, a.now)
}

// resolveMonth parses YYYY-MM, defaulting to the current month
func (a *app) resolveMonth(s string) (calendar.Month, error) {
	if strings.TrimSpace(s) == "" {
		return calendar.MonthOf(a.now), nil
	}
	m, err := calendar.ParseMonth(s)
	if err != nil {
		return calendar.Month{}, utils.ErrInvalidMonth(s)
	}
	return m, nil
}

// load fetches month into the cache
func (a *app) load(ctx context.Context, m calendar.Month) error {
	utils.Debugf("loading %s", m)
	return a.explain(a.sess.Coordinator().LoadMonth(ctx, m))
}

func (a *app) explain(err error) error {
	return a.sess.Explain(err)
}

// listGetter is implemented by backends that can fetch a list by id
type listGetter interface {
	GetList(ctx context.Context, id string) (*backend.List, error)
}

// resolveList loads the month the reference points at and finds the list
// in the cache. A DATE/TITLE reference loads that date's month, an id
// loads its list's month, and a bare title searches scope.
func (a *app) resolveList(ctx context.Context, ref string, scope calendar.Month) (*backend.List, error) {
	ref = strings.TrimSpace(ref)
	if date, _, ok := prompt.SplitListRef(ref); ok {
		if d, err := backend.ParseDate(date); err == nil {
			scope = calendar.MonthOf(d)
		}
	} else if uuid.Validate(ref) == nil {
		if getter, ok := a.sess.Backend().(listGetter); ok {
			l, err := getter.GetList(ctx, ref)
			switch {
			case err == nil:
				if d, perr := backend.ParseDate(l.Date); perr == nil {
					scope = calendar.MonthOf(d)
				}
			case !backend.IsNotFound(err):
				return nil, a.explain(err)
			}
		}
	}

	if err := a.load(ctx, scope); err != nil {
		return nil, err
	}
	return a.resolver.ResolveList(a.sess.Store().Lists(), ref)
}

// pickList resolves ref, or asks the user to pick a list of scope when ref is empty
func (a *app) pickList(ctx context.Context, ref string, scope calendar.Month) (*backend.List, error) {
	if ref != "" {
		return a.resolveList(ctx, ref, scope)
	}
	if err := a.load(ctx, scope); err != nil {
		return nil, err
	}
	var lists []backend.List
	for _, l := range a.sess.Store().Lists() {
		if scope.Contains(l.Date) {
			lists = append(lists, l)
		}
	}
	l, err := prompt.NewListSelector(lists, a.prompter, a.conf.NoPrompt).Run()
	if err != nil {
		return nil, selectionError(err, "list")
	}
	return &l, nil
}

// pickTask resolves ref in list, or asks the user to pick one when ref is empty
func (a *app) pickTask(list backend.List, ref string) (*backend.Task, error) {
	if ref != "" {
		return a.resolver.ResolveTask(list, ref)
	}
	t, err := prompt.NewTaskSelector(list.Tasks, a.prompter, a.conf.NoPrompt).Run()
	if err != nil {
		return nil, selectionError(err, "task")
	}
	return &t, nil
}

// selectionError explains why an interactive selection could not happen
func selectionError(err error, what string) error {
	switch {
	case errors.Is(err, prompt.ErrNoPromptMode):
		return utils.WrapWithSuggestion(fmt.Errorf("no %s given", what), fmt.Sprintf("Pass the %s reference as an argument when using --no-prompt", what))
	case errors.Is(err, prompt.ErrNoItems):
		return fmt.Errorf("no %ss to choose from", what)
	}
	return err
}

// result prints a result code in no-prompt text mode
func (a *app) result(code string) {
	if a.conf.NoPrompt && !a.jsonOut {
		_, _ = fmt.Fprintln(a.stdout, code)
	}
}

// renderer returns a text renderer on stdout
func (a *app) renderer() *views.Renderer {
	return views.NewRenderer(a.stdout, a.conf.WeekStartDay(), a.today())
}

// action reports a completed mutation
func (a *app) action(name, message string, list *backend.List, task *backend.Task) error {
	if a.jsonOut {
		resp := views.ActionJSON{Action: name, Result: ResultActionCompleted}
		if list != nil {
			lj := views.ListToJSON(*list)
			resp.List = &lj
		}
		if task != nil {
			tj := views.TaskToJSON(*task)
			resp.Task = &tj
		}
		return views.WriteJSON(a.stdout, resp)
	}
	_, _ = fmt.Fprintln(a.stdout, message)
	a.result(ResultActionCompleted)
	return nil
}

// confirm asks before a destructive action unless prompts are disabled
func (a *app) confirm(question string) bool {
	if a.conf.NoPrompt {
		return true
	}
	return a.prompter.YesNo(question)
}

// =============================================================================
// Month and day views
// =============================================================================

func newMonthCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "month [YYYY-MM]",
		Short: "Show a month",
		Long:  "Show the calendar grid of a month followed by every list in it. Defaults to the current month.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				var arg string
				if len(args) > 0 {
					arg = args[0]
				}
				m, err := a.resolveMonth(arg)
				if err != nil {
					return err
				}
				return doMonth(ctx, a, m)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func doMonth(ctx context.Context, a *app, m calendar.Month) error {
	if err := a.load(ctx, m); err != nil {
		return err
	}
	lists := a.sess.Store().Lists()
	if a.jsonOut {
		return views.WriteJSON(a.stdout, views.NewMonthJSON(m, lists))
	}
	a.renderer().RenderMonth(m, lists)
	a.result(ResultInfoOnly)
	return nil
}

func newDayCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "day [date]",
		Short: "Show the lists of one day",
		Long:  "Show the lists and tasks of one day. Accepts YYYY-MM-DD, today, tomorrow, +3d or phrases like \"next friday\". Defaults to today.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				date := a.today()
				if len(args) > 0 {
					var err error
					if date, err = a.resolveDate(args[0]); err != nil {
						return err
					}
				}
				return doDay(ctx, a, date)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func doDay(ctx context.Context, a *app, date string) error {
	d, err := backend.ParseDate(date)
	if err != nil {
		return utils.ErrInvalidDate(date)
	}
	if err := a.load(ctx, calendar.MonthOf(d)); err != nil {
		return err
	}
	lists := a.sess.Store().Lists()
	if a.jsonOut {
		return views.WriteJSON(a.stdout, views.NewDayJSON(date, lists))
	}
	a.renderer().RenderDay(date, lists)
	a.result(ResultInfoOnly)
	return nil
}
