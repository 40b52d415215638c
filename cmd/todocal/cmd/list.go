package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"todocal/backend"
	"todocal/internal/calendar"
	"todocal/internal/views"
)

const listRefHelp = `A list is referred to by its id, by DATE/TITLE (e.g. 2024-06-03/Groceries),
or by its title within --month (default: the current month). When several
lists match, you are asked to pick one; with --no-prompt it is an error.`

// newListCmd creates the 'list' command group
func newListCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Manage dated lists",
		Long:  "Create, rename, move, copy and delete lists.\n\n" + listRefHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	listCmd.PersistentFlags().String("month", "", "Month (YYYY-MM) searched for list titles")

	listCmd.AddCommand(newListShowCmd(stdout, stderr, cfg))
	listCmd.AddCommand(newListCreateCmd(stdout, stderr, cfg))
	listCmd.AddCommand(newListRenameCmd(stdout, stderr, cfg))
	listCmd.AddCommand(newListMoveCmd(stdout, stderr, cfg))
	listCmd.AddCommand(newListDeleteCmd(stdout, stderr, cfg))
	listCmd.AddCommand(newListDuplicateCmd(stdout, stderr, cfg))

	return listCmd
}

// scopeMonth returns the --month flag as a Month
func scopeMonth(cmd *cobra.Command, a *app) (calendar.Month, error) {
	month, _ := cmd.Flags().GetString("month")
	return a.resolveMonth(month)
}

// withList resolves args[0] (or asks for a list) and runs fn on it
func withList(cmd *cobra.Command, a *app, ref string, fn func(l *backend.List) error) error {
	scope, err := scopeMonth(cmd, a)
	if err != nil {
		return err
	}
	l, err := a.pickList(cmd.Context(), ref, scope)
	if err != nil {
		return err
	}
	return fn(l)
}

func newListShowCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show [ref]",
		Short: "Show one list and its tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withList(cmd, a, argOr(args, 0), func(l *backend.List) error {
					if a.jsonOut {
						return views.WriteJSON(a.stdout, views.ListToJSON(*l))
					}
					_, _ = fmt.Fprintln(a.stdout, l.Date)
					a.renderer().RenderList(*l)
					a.result(ResultInfoOnly)
					return nil
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newListCreateCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <date> <title>",
		Short: "Create a list on a date",
		Long:  "Create a list on a date, optionally with tasks: todocal list create tomorrow Groceries --task Milk --task Eggs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				date, err := a.resolveDate(args[0])
				if err != nil {
					return err
				}
				tasks, _ := cmd.Flags().GetStringArray("task")

				l, err := a.sess.Coordinator().CreateList(ctx, args[1], date, tasks)
				if err != nil {
					return a.explain(err)
				}
				return a.action("create_list",
					fmt.Sprintf("Created list %s on %s with %d tasks (%s)", l.Title, l.Date, len(l.Tasks), l.ID),
					l, nil)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringArrayP("task", "t", nil, "Task to add (repeatable)")
	return cmd
}

func newListRenameCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <ref> <title>",
		Short: "Rename a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withList(cmd, a, args[0], func(l *backend.List) error {
					old := l.Title
					updated, err := a.sess.Coordinator().RenameList(ctx, l.ID, args[1])
					if err != nil {
						return a.explain(err)
					}
					return a.action("rename_list", fmt.Sprintf("Renamed list %s to %s", old, updated.Title), updated, nil)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newListMoveCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "move <ref> <date>",
		Short: "Move a list to another date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				date, err := a.resolveDate(args[1])
				if err != nil {
					return err
				}
				return withList(cmd, a, args[0], func(l *backend.List) error {
					old := l.Date
					updated, err := a.sess.Coordinator().MoveList(ctx, l.ID, date)
					if err != nil {
						return a.explain(err)
					}
					return a.action("move_list", fmt.Sprintf("Moved list %s from %s to %s", updated.Title, old, updated.Date), updated, nil)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newListDeleteCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [ref]",
		Short: "Delete a list and its tasks",
		Long:  "Delete a list and its tasks. Asks for confirmation unless --no-prompt is set.\n\n" + listRefHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withList(cmd, a, argOr(args, 0), func(l *backend.List) error {
					if !a.confirm(fmt.Sprintf("Delete list %s on %s and its %d tasks?", l.Title, l.Date, len(l.Tasks))) {
						_, _ = fmt.Fprintln(a.stdout, "Cancelled")
						return nil
					}
					deleted := *l
					if err := a.sess.Coordinator().DeleteList(ctx, l.ID); err != nil {
						return a.explain(err)
					}
					return a.action("delete_list", fmt.Sprintf("Deleted list %s on %s", deleted.Title, deleted.Date), &deleted, nil)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newListDuplicateCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:     "duplicate <ref> <date>",
		Aliases: []string{"copy"},
		Short:   "Copy a list to another date with every task unchecked",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				date, err := a.resolveDate(args[1])
				if err != nil {
					return err
				}
				return withList(cmd, a, args[0], func(l *backend.List) error {
					dup, err := a.sess.Coordinator().DuplicateList(ctx, l.ID, date)
					if err != nil {
						return a.explain(err)
					}
					return a.action("duplicate_list",
						fmt.Sprintf("Copied list %s to %s as %s (%s)", l.Title, dup.Date, dup.Title, dup.ID),
						dup, nil)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// argOr returns args[i], or "" when it is missing
func argOr(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
