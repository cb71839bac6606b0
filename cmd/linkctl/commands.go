package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhejian/url-shortener/registry/internal/config"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/observability"
	"github.com/zhejian/url-shortener/registry/internal/server"
	"github.com/zhejian/url-shortener/registry/internal/service"
)

// session is an opened registry shared by the subcommands of one invocation
type session struct {
	links   *service.LinkService
	backend *server.Backend
	events  *server.EventLog
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.events.Close(ctx)
	s.backend.Close()
}

type rootOptions struct {
	backend string
	file    string
	verbose bool
}

// newRootCmd builds the command tree. The returned func releases whatever
// the invoked command opened and must run after Execute.
func newRootCmd() (*cobra.Command, func()) {
	opts := &rootOptions{}
	var sess *session

	root := &cobra.Command{
		Use:   "linkctl",
		Short: "Manage short links in the link registry",
		Long: `linkctl creates, lists and resolves short links directly against the
configured store backend. For example:

linkctl create https://example.com/some/long/path --code docs --validity 60
linkctl show docs
linkctl open docs`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			switch {
			case opts.backend != "":
				cfg.Store.Backend = opts.backend
			case os.Getenv("STORE_BACKEND") == "":
				cfg.Store.Backend = config.BackendFile
			}
			// A memory store vanishes when the command exits
			if cfg.Store.Backend == config.BackendMemory {
				return fmt.Errorf("the %s backend does not persist between linkctl runs; use file, redis or postgres", config.BackendMemory)
			}
			if opts.file != "" {
				cfg.Store.File = opts.file
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := observability.NewLogger(cmd.ErrOrStderr(), "development", level)

			ctx := cmd.Context()
			backend, err := server.OpenBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			events, err := server.OpenEventLog(context.Background(), cfg, logger, nil)
			if err != nil {
				backend.Close()
				return err
			}

			sess = &session{
				backend: backend,
				events:  events,
				links: service.NewLinkService(backend.Repository, service.Config{
					BaseURL:          cfg.App.BaseURL,
					DefaultValidity:  cfg.App.DefaultValidity,
					ShortCodeLen:     cfg.App.ShortCodeLen,
					ShortCodeRetries: cfg.App.ShortCodeRetries,
					MaxAliasLen:      cfg.App.MaxAliasLen,
					MaxBatchSize:     cfg.App.MaxBatchSize,
					Events:           events,
					Logger:           logger,
				}),
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "store backend (file, redis, postgres); defaults to STORE_BACKEND, then file")
	root.PersistentFlags().StringVar(&opts.file, "file", "", "collection file for the file backend; defaults to STORE_FILE")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	current := func() *session { return sess }
	root.AddCommand(
		newCreateCmd(current),
		newListCmd(current),
		newShowCmd(current),
		newOpenCmd(current),
	)

	cleanup := func() {
		if sess != nil {
			sess.close()
			sess = nil
		}
	}
	return root, cleanup
}

func newCreateCmd(sess func() *session) *cobra.Command {
	var (
		code     string
		validity int
	)

	cmd := &cobra.Command{
		Use:   "create [url]",
		Short: "Create a short link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.CreateLinkRequest{LongURL: args[0], CustomCode: code}
			if cmd.Flags().Changed("validity") {
				req.Validity = &validity
			}

			link, err := sess().links.CreateShortURL(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s -> %s (expires %s)\n",
				link.ShortURL, link.LongURL, link.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().StringVarP(&code, "code", "c", "", "custom short code")
	cmd.Flags().IntVar(&validity, "validity", 0, "minutes the link stays valid")
	return cmd
}

func newListCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every link, expired ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := sess().links.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(links) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No links found.")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tCLICKS\tSTATUS\tEXPIRES\tURL")
			for _, l := range links {
				status := "active"
				if l.IsExpired(now) {
					status = "expired"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					l.ShortCode, l.ClickCount, status, l.ExpiresAt.Local().Format(time.DateTime), l.LongURL)
			}
			return w.Flush()
		},
	}
}

func newShowCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "show [code]",
		Short: "Show a link with its click history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := sess().links.GetStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Short URL: %s\n", link.ShortURL)
			fmt.Fprintf(out, "Long URL:  %s\n", link.LongURL)
			fmt.Fprintf(out, "Created:   %s\n", link.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Expires:   %s\n", link.ExpiresAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Clicks:    %d\n", link.ClickCount)

			if len(link.Clicks) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSOURCE\tLOCATION")
			for _, c := range link.Clicks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Timestamp.Local().Format(time.DateTime), c.Source, c.Location)
			}
			return w.Flush()
		},
	}
}

func newOpenCmd(sess func() *session) *cobra.Command {
	var (
		source  string
		browser bool
	)

	cmd := &cobra.Command{
		Use:   "open [code]",
		Short: "Resolve a short link and record a click",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := sess().links.Redirect(cmd.Context(), args[0], source)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), target)
			if browser {
				return openBrowser(target)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "referring page recorded with the click")
	cmd.Flags().BoolVarP(&browser, "browser", "b", false, "open the long URL in the default browser")
	return cmd
}

func openBrowser(target string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", target)
	case "linux":
		c = exec.Command("xdg-open", target)
	case "windows":
		c = exec.Command("cmd", "/c", "start", target)
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return c.Run()
}
