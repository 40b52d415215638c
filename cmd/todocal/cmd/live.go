package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"todocal/backend"
	"todocal/internal/calendar"
	"todocal/internal/session"
	"todocal/internal/shutdown"
	"todocal/internal/tui"
	"todocal/internal/utils"
	"todocal/internal/views"
)

// shutdownTimeout bounds the cleanups after watch is interrupted
const shutdownTimeout = 5 * time.Second

// backgroundLog opens the rotating log of a long-running command
func (a *app) backgroundLog(name string) *utils.BackgroundLogger {
	path := utils.DefaultBackgroundLogPath(name)
	bl, err := utils.NewBackgroundLogger(path, a.conf.IsBackgroundLoggingEnabled(), a.conf.Logging.MaxSizeMB)
	if err != nil {
		utils.Warnf("background log %s: %v", path, err)
	}
	return bl
}

// =============================================================================
// watch
// =============================================================================

func newWatchCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [YYYY-MM]",
		Short: "Print changes to a month as they happen",
		Long: "Load a month, subscribe to changes made on other devices or by other todocal " +
			"processes, and print each change once it is merged. Stops on Ctrl+C.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				m, err := a.resolveMonth(argOr(args, 0))
				if err != nil {
					return err
				}
				limit, _ := cmd.Flags().GetDuration("for")
				return doWatch(a, m, limit)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Duration("for", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

func doWatch(a *app, m calendar.Month, limit time.Duration) error {
	bl := a.backgroundLog("watch")
	defer bl.Close()

	mgr := shutdown.NewManager()
	mgr.NotifySignals()
	ctx := mgr.Context()

	var mu sync.Mutex
	emit := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(a.stdout, format, args...)
	}

	err := a.sess.StartLive(ctx,
		session.OnEvent(func(ev backend.ChangeEvent) {
			bl.Printf("merged %s", ev)
			if a.jsonOut {
				mu.Lock()
				_ = views.WriteJSON(a.stdout, views.NewEventJSON(ev))
				mu.Unlock()
				return
			}
			emit("%s %s\n", time.Now().Format("15:04:05"), describeEvent(ev))
		}),
		session.OnStatus(func(msg string) {
			bl.Printf("status: %s", msg)
			if !a.jsonOut {
				emit("%s %s\n", time.Now().Format("15:04:05"), msg)
			}
		}),
	)
	if err != nil {
		_ = mgr.Wait(context.Background())
		return a.explain(err)
	}
	mgr.RegisterCleanup("live updates", func(context.Context) error {
		return a.sess.StopLive()
	})

	if err := a.load(ctx, m); err != nil {
		_ = mgr.Wait(context.Background())
		return err
	}
	count := 0
	for _, l := range a.sess.Store().Lists() {
		if m.Contains(l.Date) {
			count++
		}
	}
	bl.Printf("watching %s with %d lists", m, count)
	if !a.jsonOut {
		emit("Watching %s (%d lists). Press Ctrl+C to stop.\n", m.Title(), count)
	}

	var timeout <-chan time.Time
	if limit > 0 {
		timeout = time.After(limit)
	}
	select {
	case <-mgr.Done():
		utils.Debugf("watch interrupted by %v", mgr.Signal())
	case <-timeout:
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Wait(waitCtx); err != nil {
		return err
	}
	if !a.jsonOut {
		emit("Stopped\n")
	}
	return nil
}

// describeEvent renders a change for the watch log
func describeEvent(ev backend.ChangeEvent) string {
	verb := map[backend.EventType]string{
		backend.EventInsert: "added",
		backend.EventUpdate: "changed",
		backend.EventDelete: "removed",
	}[ev.Type]

	switch {
	case ev.NewList != nil:
		return fmt.Sprintf("list %s on %s %s", ev.NewList.Title, ev.NewList.Date, verb)
	case ev.OldList != nil:
		return fmt.Sprintf("list %s %s", ev.OldList.ID, verb)
	case ev.NewTask != nil:
		state := ""
		if ev.NewTask.Completed {
			state = " (done)"
		}
		return fmt.Sprintf("task %s%s %s", ev.NewTask.Title, state, verb)
	case ev.OldTask != nil:
		return fmt.Sprintf("task %s %s", ev.OldTask.ID, verb)
	}
	return ev.String()
}

// =============================================================================
// tui
// =============================================================================

func newTUICmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tui [YYYY-MM]",
		Short: "Open the interactive month grid",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				m, err := a.resolveMonth(argOr(args, 0))
				if err != nil {
					return err
				}
				return doTUI(ctx, a, m)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func doTUI(ctx context.Context, a *app, m calendar.Month) error {
	if a.sess.User() == nil {
		return a.explain(backend.ErrNotSignedIn)
	}

	// Log lines would corrupt the screen
	bl := a.backgroundLog("tui")
	defer bl.Close()
	utils.GetLogger().SetOutput(bl.Writer())
	defer utils.GetLogger().SetOutput(a.stderr)

	model := tui.New(a.sess.Coordinator(), a.sess.Store(),
		tui.WithContext(ctx),
		tui.WithMonth(m),
		tui.WithToday(a.today()),
		tui.WithWeekStart(a.conf.WeekStartDay()),
	)
	defer model.Close()

	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithInput(a.in),
		tea.WithOutput(a.stdout),
	)

	// Subscribe before the grid's first load
	if err := a.sess.StartLive(ctx, session.OnStatus(func(msg string) {
		bl.Printf("status: %s", msg)
		p.Send(tui.StatusMsg(msg))
	})); err != nil {
		utils.Warnf("live updates unavailable: %v", err)
	}

	_, err := p.Run()
	return err
}
