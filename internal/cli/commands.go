package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/auth"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/seed"
	"incidentdesk.org/internal/store"
)

func newSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create entities and persons from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				sum, err := seed.Apply(ctx, env.Store, roles.NewEngine(env.Store), doc)
				if err != nil {
					return out.failure(err)
				}
				return out.success(sum, fmt.Sprintf("seeded %d entities, %d persons, %d roles", sum.Entities, sum.Persons, sum.Roles))
			})
		},
	}
}

func newAssignCommand(opts *RootOptions) *cobra.Command {
	var (
		manager   bool
		displace  bool
		ifVersion int64
	)
	cmd := &cobra.Command{
		Use:   "assign <person-id> <kind:entity-id>",
		Short: "Give a person an operational role",
		Long: `Binds a person to a direction, department, crew, territorial or secpla.

Moving a person who already holds another role requires --if-version with
the person's current version.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := org.ParseRole(args[1])
			if err != nil {
				return err
			}
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				res, err := roles.NewEngine(env.Store).Assign(ctx, roles.AssignRequest{
					PersonID:      org.PersonID(args[0]),
					Role:          role,
					Manager:       manager,
					IfVersion:     ifVersion,
					AllowDisplace: displace,
				})
				if err != nil {
					return out.failure(err)
				}
				lines := []string{fmt.Sprintf("%s: %s -> %s (version %d)",
					res.Person.DisplayName(), org.FormatRole(res.Previous), org.FormatRole(res.Person.Role), res.Person.Version)}
				if !res.Changed {
					lines = []string{res.Person.DisplayName() + ": unchanged"}
				}
				for _, d := range res.Displaced {
					lines = append(lines, "displaced "+d.DisplayName())
				}
				displaced := make([]org.PersonID, 0, len(res.Displaced))
				for _, d := range res.Displaced {
					displaced = append(displaced, d.ID)
				}
				return out.success(roleChange(res.Person, res.Previous, res.Changed, displaced), lines...)
			})
		},
	}
	cmd.Flags().BoolVar(&manager, "manager", false, "mark as manager (directions and departments)")
	cmd.Flags().BoolVar(&displace, "displace", false, "replace the current holder of a territorial or secpla")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "expected person version")
	return cmd
}

func newClearCommand(opts *RootOptions) *cobra.Command {
	var ifVersion int64
	cmd := &cobra.Command{
		Use:   "clear <person-id>",
		Short: "Remove a person's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				res, err := roles.NewEngine(env.Store).Clear(ctx, roles.ClearRequest{
					PersonID:  org.PersonID(args[0]),
					IfVersion: ifVersion,
				})
				if err != nil {
					return out.failure(err)
				}
				return out.success(roleChange(res.Person, res.Previous, res.Changed, nil), fmt.Sprintf("%s: %s -> none", res.Person.DisplayName(), org.FormatRole(res.Previous)))
			})
		},
	}
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "expected person version")
	return cmd
}

func newEligibleCommand(opts *RootOptions) *cobra.Command {
	var current string
	cmd := &cobra.Command{
		Use:   "eligible <kind>",
		Short: "List persons selectable for an entity kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := org.ParseKind(args[0])
			if err != nil {
				return err
			}
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				persons, err := roles.NewEngine(env.Store).ListEligiblePersons(ctx, kind, current)
				if err != nil {
					return out.failure(err)
				}
				lines := make([]string, 0, len(persons))
				for _, p := range persons {
					lines = append(lines, fmt.Sprintf("%-24s %s", p.DisplayName(), p.ID))
				}
				return out.success(persons, lines...)
			})
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "include persons already bound to this entity id")
	return cmd
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <incident-id>",
		Short: "Print the transition log of an incident and check it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				entries, err := audit.NewTrail(env.Store).ListFor(ctx, args[0])
				if err != nil {
					return err
				}
				lines := make([]string, 0, len(entries)+1)
				for _, e := range entries {
					line := fmt.Sprintf("%3d  %s  %-11s -> %-11s  %s", e.Seq, e.At.Format(time.RFC3339), e.From, e.To, e.ActorID)
					if e.Note != "" {
						line += "  " + e.Note
					}
					lines = append(lines, line)
				}
				if err := incident.VerifyHistory(entries); err != nil {
					lines = append(lines, "INVALID: "+err.Error())
					_ = out.success(entries, lines...)
					return err
				}
				return out.success(entries, lines...)
			})
		},
	}
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <person-id>",
		Short: "Sign an API bearer token for a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				var person org.Person
				err := env.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
					var err error
					person, err = tx.GetPerson(ctx, org.PersonID(args[0]))
					return err
				})
				if err != nil {
					return err
				}
				if ttl <= 0 {
					ttl = env.Config.Auth.TokenTTL
				}
				token, err := auth.GenerateToken(string(person.ID), person.Username, ttl)
				if err != nil {
					return err
				}
				return out.success(map[string]any{"person_id": person.ID, "token": token, "ttl": ttl.String()}, token)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	return cmd
}

func newVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that no person is bound to more than one entity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts, cmd.OutOrStdout())
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				violations, err := roles.NewEngine(env.Store).VerifyExclusivity(ctx)
				if err != nil {
					return err
				}
				if len(violations) == 0 {
					return out.success([]roles.Violation{}, "ok: every person holds at most one role")
				}
				lines := make([]string, 0, len(violations))
				for _, v := range violations {
					lines = append(lines, v.String())
				}
				_ = out.success(violations, lines...)
				return fmt.Errorf("%d exclusivity violations: %s", len(violations), strings.Join(lines, "; "))
			})
		},
	}
}

// roleChange is the JSON form of an assign or clear outcome.
func roleChange(p org.Person, previous org.Role, changed bool, displaced []org.PersonID) map[string]any {
	out := map[string]any{
		"person_id": p.ID,
		"role":      org.FormatRole(p.Role),
		"previous":  org.FormatRole(previous),
		"changed":   changed,
		"version":   p.Version,
	}
	if len(displaced) > 0 {
		out["displaced"] = displaced
	}
	return out
}
