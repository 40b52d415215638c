package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"todocal/backend"
)

const taskRefHelp = `A task is referred to by its id, its title, or its 1-based position in the
list. Leave it out to pick from the list interactively.`

// newTaskCmd creates the 'task' command group
func newTaskCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the tasks of a list",
		Long:  "Add, check off, rename and delete tasks.\n\n" + listRefHelp + "\n\n" + taskRefHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	taskCmd.PersistentFlags().String("month", "", "Month (YYYY-MM) searched for list titles")

	taskCmd.AddCommand(newTaskAddCmd(stdout, stderr, cfg))
	taskCmd.AddCommand(newTaskCompletionCmd("done", "Mark a task as done", stdout, stderr, cfg))
	taskCmd.AddCommand(newTaskCompletionCmd("undo", "Mark a task as not done", stdout, stderr, cfg))
	taskCmd.AddCommand(newTaskCompletionCmd("toggle", "Flip a task between done and not done", stdout, stderr, cfg))
	taskCmd.AddCommand(newTaskRenameCmd(stdout, stderr, cfg))
	taskCmd.AddCommand(newTaskDeleteCmd(stdout, stderr, cfg))

	return taskCmd
}

// withTask resolves the list and then the task within it
func withTask(cmd *cobra.Command, a *app, listRef, taskRef string, fn func(l *backend.List, t *backend.Task) error) error {
	return withList(cmd, a, listRef, func(l *backend.List) error {
		t, err := a.pickTask(*l, taskRef)
		if err != nil {
			return err
		}
		return fn(l, t)
	})
}

func newTaskAddCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "add <list-ref> <title>",
		Short: "Add a task to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withList(cmd, a, args[0], func(l *backend.List) error {
					t, err := a.sess.Coordinator().CreateTask(ctx, l.ID, args[1])
					if err != nil {
						return a.explain(err)
					}
					return a.action("add_task", fmt.Sprintf("Added %s to %s (%s)", t.Title, l.Title, t.ID), nil, t)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newTaskCompletionCmd creates 'task done', 'task undo' or 'task toggle'
func newTaskCompletionCmd(name, short string, stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <list-ref> [task-ref]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withTask(cmd, a, args[0], argOr(args, 1), func(l *backend.List, t *backend.Task) error {
					var (
						updated *backend.Task
						err     error
					)
					switch name {
					case "done":
						updated, err = a.sess.Coordinator().SetTaskCompleted(ctx, l.ID, t.ID, true)
					case "undo":
						updated, err = a.sess.Coordinator().SetTaskCompleted(ctx, l.ID, t.ID, false)
					default:
						updated, err = a.sess.Coordinator().ToggleTask(ctx, l.ID, t.ID)
					}
					if err != nil {
						return a.explain(err)
					}

					state := "not done"
					if updated.Completed {
						state = "done"
					}
					return a.action(name+"_task", fmt.Sprintf("Marked %s in %s as %s", updated.Title, l.Title, state), nil, updated)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newTaskRenameCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <list-ref> <task-ref> <title>",
		Short: "Rename a task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withTask(cmd, a, args[0], args[1], func(l *backend.List, t *backend.Task) error {
					old := t.Title
					updated, err := a.sess.Coordinator().RenameTask(ctx, l.ID, t.ID, args[2])
					if err != nil {
						return a.explain(err)
					}
					return a.action("rename_task", fmt.Sprintf("Renamed %s to %s", old, updated.Title), nil, updated)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newTaskDeleteCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <list-ref> [task-ref]",
		Short: "Delete a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, cfg, stdout, stderr, func(ctx context.Context, a *app) error {
				return withTask(cmd, a, args[0], argOr(args, 1), func(l *backend.List, t *backend.Task) error {
					if !a.confirm(fmt.Sprintf("Delete %s from %s?", t.Title, l.Title)) {
						_, _ = fmt.Fprintln(a.stdout, "Cancelled")
						return nil
					}
					deleted := *t
					if err := a.sess.Coordinator().DeleteTask(ctx, l.ID, t.ID); err != nil {
						return a.explain(err)
					}
					return a.action("delete_task", fmt.Sprintf("Deleted %s from %s", deleted.Title, l.Title), nil, &deleted)
				})
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
