// Command boardctl manages a taskboard account from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
)

type app struct {
	configPath string
	server     string
	timeout    time.Duration

	cfg    cliConfig
	client *client.Client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "boardctl",
		Short:        "boardctl - drive a taskboard from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Config file")
	root.PersistentFlags().StringVar(&a.server, "server", "", "Server base URL (overrides the config file)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Second, "Per request timeout")

	root.AddCommand(
		a.signUpCmd(),
		a.signInCmd(),
		a.logOutCmd(),
		a.boardCmd(),
		a.addCmd(),
		a.moveCmd(),
		a.rmCmd(),
		a.showCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.server != "" {
		cfg.Server = a.server
	}
	a.cfg = cfg
	a.client = client.New(cfg.Server, cfg.Token)
	a.client.HTTP.Timeout = a.timeout
	return nil
}

func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) requireSession() error {
	if a.cfg.Token == "" {
		return errors.New("not signed in, run 'boardctl signin' first")
	}
	return nil
}

func (a *app) remember(email string, sess client.Session) error {
	a.cfg.Email = email
	a.cfg.Token = sess.Token
	return saveConfig(a.configPath, a.cfg)
}

// password takes the flag value or reads one line from stdin.
func password(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) signUpCmd() *cobra.Command {
	var name, email, pass string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd, pass)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			sess, err := a.client.SignUp(ctx, name, email, pw)
			if err != nil {
				return describe(err)
			}
			if err := a.remember(email, sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed up as %s\n", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&pass, "password", "", "Password (read from stdin when omitted)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) signInCmd() *cobra.Command {
	var email, pass string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd, pass)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			sess, err := a.client.SignIn(ctx, email, pw)
			if err != nil {
				return describe(err)
			}
			if err := a.remember(email, sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&pass, "password", "", "Password (read from stdin when omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) logOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Token != "" {
				ctx, cancel := a.ctx(cmd)
				defer cancel()
				if err := a.client.LogOut(ctx); err != nil {
					return describe(err)
				}
			}
			a.cfg.Token = ""
			if err := saveConfig(a.configPath, a.cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func (a *app) boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show tasks by lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			tasks, err := a.client.GetAll(ctx)
			if err != nil {
				return describe(err)
			}
			printBoard(cmd.OutOrStdout(), board.New(tasks))
			return nil
		},
	}
}

func (a *app) addCmd() *cobra.Command {
	var (
		in       domain.TaskInput
		desc     string
		status   string
		priority string
		deadline string
		key      string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			in.Status = domain.Status(status)
			in.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("description") {
				in.Description = &desc
			}
			if deadline != "" {
				d, err := parseDeadline(deadline)
				if err != nil {
					return err
				}
				in.Deadline = &d
			}
			if key == "" {
				key = uuid.NewString()
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			res, err := a.client.CreateTask(ctx, in, key)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Task title")
	cmd.Flags().StringVar(&desc, "description", "", "Task description")
	cmd.Flags().StringVar(&status, "status", string(domain.StatusToDo), "Initial lane")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityMedium), "Low, Medium or Urgent")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Deadline as YYYY-MM-DD or RFC 3339")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Key making a retried create apply once")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			id, status := args[0], domain.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			tasks, err := a.client.GetAll(ctx)
			if err != nil {
				return describe(err)
			}

			b := board.New(tasks)
			op := b.Apply(board.DragEvent{
				Active: board.Item{ID: id, Kind: board.KindTask},
				Over:   &board.Item{ID: string(status), Kind: board.KindLane},
			})
			if op == nil {
				return fmt.Errorf("task %s not found", id)
			}

			s := board.NewSyncer(a.client, a.timeout)
			if err := s.Submit(ctx, *op); err != nil {
				return err
			}
			res := <-s.Results()
			s.Close()
			if err := b.Resolve(res); err != nil {
				return describe(err)
			}
			printBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			res, err := a.client.DeleteTask(ctx, args[0])
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			t, err := a.client.GetByID(ctx, args[0])
			if err != nil {
				return describe(err)
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q", s)
	}
	return t, nil
}

// describe turns API errors into what the server said, field errors included.
func describe(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if len(apiErr.Fields) == 0 {
		return errors.New(apiErr.Message)
	}
	msgs := make([]string, 0, len(apiErr.Fields))
	for _, f := range apiErr.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return errors.New(strings.Join(msgs, "; "))
}

func printBoard(w io.Writer, b *board.Board) {
	for _, lane := range b.Lanes() {
		tasks := b.LaneTasks(lane.ID)
		fmt.Fprintf(w, "== %s (%d)\n", lane.Title, len(tasks))
		for _, t := range tasks {
			fmt.Fprintf(w, "  %s  [%s] %s\n", t.ID, t.Priority, t.Title)
		}
	}
}

func printTask(w io.Writer, t domain.Task) {
	fmt.Fprintf(w, "ID:       %s\n", t.ID)
	fmt.Fprintf(w, "Title:    %s\n", t.Title)
	fmt.Fprintf(w, "Status:   %s\n", t.Status)
	fmt.Fprintf(w, "Priority: %s\n", t.Priority)
	if t.Description != "" {
		fmt.Fprintf(w, "Details:  %s\n", t.Description)
	}
	if t.Deadline != nil {
		fmt.Fprintf(w, "Deadline: %s\n", t.Deadline.Format(time.DateOnly))
	}
	fmt.Fprintf(w, "Created:  %s\n", t.CreatedAt.Local().Format(time.RFC1123))
}
