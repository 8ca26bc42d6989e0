package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keo571/netquery-insight-chat/internal/client"
)

type rootOptions struct {
	profilePath string
	url         string
	database    string
	plain       bool
	interpret   bool
	maxRows     int
	verbose     bool
}

// NewRootCommand builds the nqchat command tree reading from in and
// printing to out.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nqchat",
		Short:         "Ask questions about your data from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.profilePath, "profile", DefaultProfilePath(), "profile file")
	flags.StringVar(&opts.url, "url", "", "chat adapter URL")
	flags.StringVarP(&opts.database, "database", "d", "", "logical database to query")
	flags.BoolVar(&opts.plain, "plain", false, "disable colors and borders")
	flags.BoolVar(&opts.interpret, "interpret", false, "stream the analysis with every answer")
	flags.IntVar(&opts.maxRows, "max-rows", 0, "rows to print per answer")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport details to stderr")

	root.AddCommand(
		newAskCommand(opts),
		newChatCommand(opts),
		newSchemaCommand(opts),
		newHealthCommand(opts),
		newProfileCommand(opts),
	)
	return root
}

// session is what every subcommand needs once flags are resolved.
type session struct {
	profile Profile
	client  *client.Client
	out     *Renderer
	logger  *slog.Logger
}

func (o *rootOptions) resolve(cmd *cobra.Command) (Profile, error) {
	p, err := LoadProfile(o.profilePath)
	if err != nil {
		return p, err
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		p.URL = o.url
	}
	if flags.Changed("database") {
		p.Database = o.database
	}
	if flags.Changed("plain") {
		p.Plain = o.plain
	}
	if flags.Changed("interpret") {
		p.IncludeInterpretation = o.interpret
	}
	if flags.Changed("max-rows") && o.maxRows > 0 {
		p.MaxRows = o.maxRows
	}
	return p, nil
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	p, err := o.resolve(cmd)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	c := client.New(p.URL,
		client.WithDatabase(p.Database),
		client.WithIdleTimeout(p.IdleTimeout),
		client.WithLogger(logger),
	)
	return &session{
		profile: p,
		client:  c,
		out:     NewRenderer(cmd.OutOrStdout(), p.Plain, p.MaxRows),
		logger:  logger,
	}, nil
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			app := NewApp(s.client, s.out, s.profile.IncludeInterpretation, s.logger)
			m, err := app.Ask(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if m.IsError {
				return errors.New("the question could not be answered")
			}
			return nil
		},
	}
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			app := NewApp(s.client, s.out, s.profile.IncludeInterpretation, s.logger)
			err = app.Run(cmd.Context(), cmd.InOrStdin())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List the tables you can ask about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			overview, err := s.client.SchemaOverview(cmd.Context(), "")
			if err != nil {
				return err
			}
			s.out.Schema(overview)
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the adapter and its Netquery backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			h, err := s.client.Health(cmd.Context())
			if h != nil {
				s.out.Health(h)
			}
			return err
		},
	}
}

func newProfileCommand(opts *rootOptions) *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Show or save connection settings",
	}
	profile.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				p, err := opts.resolve(cmd)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(),
					"url: %s\ndatabase: %s\ninclude_interpretation: %t\nidle_timeout: %s\nmax_rows: %d\nplain: %t\n",
					p.URL, p.Database, p.IncludeInterpretation, p.IdleTimeout, p.MaxRows, p.Plain)
				return err
			},
		},
		&cobra.Command{
			Use:   "save",
			Short: "Write the effective settings to the profile file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if opts.profilePath == "" {
					return errors.New("no profile path; pass --profile")
				}
				p, err := opts.resolve(cmd)
				if err != nil {
					return err
				}
				if err := p.Save(opts.profilePath); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", opts.profilePath)
				return err
			},
		},
	)
	return profile
}
