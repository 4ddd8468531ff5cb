package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sessiongate/internal/config"
	"sessiongate/internal/conflict"
	"sessiongate/internal/events"
	"sessiongate/internal/log"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
	"sessiongate/internal/selector"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the concurrent-login policy",
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the active conflict policy",
	Args:  cobra.NoArgs,
	RunE: withState(func(ctx context.Context, a *adminState, _ []string) error {
		fmt.Fprintln(a.out, a.engine.Policy(ctx))
		return nil
	}),
}

var policySetCmd = &cobra.Command{
	Use:   "set <prevent|force|ask>",
	Short: "Change the conflict policy for every instance",
	Args:  cobra.ExactArgs(1),
	RunE: withState(func(ctx context.Context, a *adminState, args []string) error {
		p, err := conflict.ParsePolicy(args[0])
		if err != nil {
			return err
		}
		if err := a.engine.SetPolicy(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "conflict policy set to %s\n", p)
		return nil
	}),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <name>",
	Short: "Clear the failed-attempt record of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: withState(func(ctx context.Context, a *adminState, args []string) error {
		if err := a.guard.Clear(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s unlocked\n", args[0])
		return nil
	}),
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage issued sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list [identity]",
	Short: "List valid sessions, optionally for one identity",
	Args:  cobra.MaximumNArgs(1),
	RunE: withState(func(ctx context.Context, a *adminState, args []string) error {
		var (
			sessions []models.Session
			err      error
		)
		if len(args) == 1 {
			sessions, err = a.registry.SessionsFor(ctx, args[0])
		} else {
			sessions, err = a.registry.ListActive(ctx)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIDENTITY\tCLIENT\tLAST ACTIVE\tREMAINING\tSHARED")
		for _, v := range selector.Annotate(sessions, "", a.registry.Now()) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", v.ID, v.Identity, v.Browser, v.LastActive, v.TimeRemaining, v.Shared)
		}
		return w.Flush()
	}),
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <identity>",
	Short: "Log an identity out everywhere",
	Args:  cobra.ExactArgs(1),
	RunE: withState(func(ctx context.Context, a *adminState, args []string) error {
		n, err := a.registry.RemoveAllFor(ctx, args[0])
		if err != nil {
			return err
		}
		a.announce(ctx, registry.Event{Kind: registry.EventRemoved, Identity: args[0], Count: n})
		fmt.Fprintf(a.out, "terminated %d session(s) for %s\n", n, args[0])
		return nil
	}),
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired and inactive sessions now",
	Args:  cobra.NoArgs,
	RunE: withState(func(ctx context.Context, a *adminState, _ []string) error {
		n, err := a.registry.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.announce(ctx, registry.Event{Kind: registry.EventExpired, Count: n})
		}
		fmt.Fprintf(a.out, "swept %d session(s)\n", n)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(policyCmd, unlockCmd, sessionsCmd)
	policyCmd.AddCommand(policyGetCmd, policySetCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsTerminateCmd, sessionsSweepCmd)
}

type adminState struct {
	*state
	relay *events.Relay
	out   *os.File
}

// announce tells running servers that the session table changed under them.
func (a *adminState) announce(ctx context.Context, ev registry.Event) {
	ev.Origin = a.registry.Hub().Origin()
	ev.At = time.Now()
	if err := a.relay.Publish(ctx, ev); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not notify servers: %v\n", err)
	}
}

func withState(fn func(ctx context.Context, a *adminState, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Sessions.Storage != config.StorageRedis {
			return errNeedsRedis
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		st, err := openState(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		relay := events.NewRelay(st.redis, cfg.Redis.Stream, cfg.Redis.StreamMaxLen, st.registry.Hub(), nil, log.Component(logger, "relay"))
		return fn(ctx, &adminState{state: st, relay: relay, out: os.Stdout}, args)
	}
}
