// outreachctl runs one campaign's agent session from a terminal. Agent
// events are printed as they arrive and stdin lines are sent as replies.
//
// Lines starting with a slash are commands:
//
//	/summary   fetch the session summary
//	/contacts  list the contacts saved so far
//	/restart   start a fresh agent session
//	/end       end the session and exit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/store"
	"github.com/ashureev/outreach-ai/internal/stream"
)

type options struct {
	agentURL    string
	dbPath      string
	campaignID  string
	name        string
	description string
	skills      []string
	budget      float64
	userName    string
	email       string
	logFile     string
	timeout     time.Duration
	noColor     bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	_ = godotenv.Load()

	opts := &options{}
	flagSet := pflag.NewFlagSet("outreachctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.agentURL, "agent-url", os.Getenv("AGENT_BASE_URL"), "base URL of the agent HTTP surface")
	flagSet.StringVar(&opts.dbPath, "db", envOr("DB_PATH", "./data/outreach.db"), "sqlite database path")
	flagSet.StringVar(&opts.campaignID, "campaign", "", "existing campaign id (creates a new campaign when empty)")
	flagSet.StringVar(&opts.name, "name", "", "campaign name")
	flagSet.StringVar(&opts.description, "description", "", "campaign description")
	flagSet.StringSliceVar(&opts.skills, "skills", nil, "target skills, comma separated")
	flagSet.Float64Var(&opts.budget, "budget", 0, "campaign budget")
	flagSet.StringVar(&opts.userName, "user", envOr("USER", "operator"), "display name sent to the agent")
	flagSet.StringVar(&opts.email, "email", "", "email sent to the agent")
	flagSet.StringVar(&opts.logFile, "log-file", "", "write JSON logs to this file instead of discarding them")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "agent request timeout")
	flagSet.BoolVar(&opts.noColor, "no-color", false, "disable styled output")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	opts.agentURL = strings.TrimRight(opts.agentURL, "/")
	if opts.agentURL == "" {
		return nil, errors.New("--agent-url or AGENT_BASE_URL is required")
	}
	if opts.campaignID == "" && strings.TrimSpace(opts.name) == "" {
		return nil, errors.New("--name is required when --campaign is not set")
	}
	if opts.budget < 0 {
		return nil, errors.New("--budget cannot be negative")
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, nil)), func() { _ = f.Close() }, nil
}

func run(args []string, in io.Reader, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, closeLog, err := newLogger(opts.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = repo.Close() }()

	user, campaign, err := loadProfile(ctx, repo, opts)
	if err != nil {
		return err
	}

	updates := make(chan *session.Update, 256)
	o := session.New(session.Options{
		Campaign: *campaign,
		User:     *user,
		Agent: agent.NewClient(agent.ClientConfig{
			BaseURL:        opts.agentURL,
			RequestTimeout: opts.timeout,
		}, logger),
		Stream:         stream.NewClient(opts.agentURL, &http.Client{}, logger),
		Store:          repo,
		Updates:        updates,
		Logger:         logger,
		RequestTimeout: opts.timeout,
	})
	defer o.Shutdown()

	r := newRenderer(out, !opts.noColor)
	stopPrinter := make(chan struct{})
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for {
			select {
			case u := <-updates:
				r.render(u)
			case <-stopPrinter:
				for {
					select {
					case u := <-updates:
						r.render(u)
					default:
						return
					}
				}
			}
		}
	}()

	r.banner(*campaign)
	if _, err := o.Start(ctx); err != nil {
		r.notice("start failed: " + err.Error())
	}

	err = readLoop(ctx, o, in, r)

	if endErr := o.End(context.WithoutCancel(ctx)); endErr != nil {
		logger.Warn("failed to end session", "error", endErr)
	}
	o.Shutdown()
	close(stopPrinter)
	<-printerDone

	if summary := o.Snapshot().Summary; summary != nil {
		r.summary(summary)
	}
	return err
}

// loadProfile upserts the local operator and loads or creates the campaign.
func loadProfile(ctx context.Context, repo store.Repository, opts *options) (*domain.User, *domain.Campaign, error) {
	now := time.Now()
	userID := "cli_" + safeID(opts.userName)
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		user = &domain.User{UserID: userID, Username: opts.userName, CreatedAt: now}
	}
	user.DisplayName = opts.userName
	if opts.email != "" {
		user.Email = opts.email
	}
	user.UpdatedAt = now
	if err := repo.UpsertUser(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("save user: %w", err)
	}

	if opts.campaignID != "" {
		campaign, err := repo.GetCampaign(ctx, opts.campaignID)
		if err != nil {
			return nil, nil, fmt.Errorf("load campaign %s: %w", opts.campaignID, err)
		}
		return user, campaign, nil
	}

	campaign := &domain.Campaign{
		UserID:       user.UserID,
		Name:         strings.TrimSpace(opts.name),
		Description:  strings.TrimSpace(opts.description),
		TargetSkills: opts.skills,
		Budget:       opts.budget,
		Status:       domain.CampaignDraft,
	}
	if err := repo.CreateCampaign(ctx, campaign); err != nil {
		return nil, nil, fmt.Errorf("create campaign: %w", err)
	}
	return user, campaign, nil
}

func safeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "operator"
	}
	return b.String()
}

// sessionDriver is the part of the orchestrator the read loop drives.
type sessionDriver interface {
	Start(ctx context.Context) (string, error)
	Submit(ctx context.Context, text string) error
	RefreshSummary(ctx context.Context) (*domain.Summary, error)
	RefreshContacts(ctx context.Context) ([]domain.Contact, error)
}

// readLoop reads replies and commands until /end, EOF or cancellation.
func readLoop(ctx context.Context, o sessionDriver, in io.Reader, r *renderer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/end":
			return nil
		case "/restart":
			if _, err := o.Start(ctx); err != nil {
				r.notice("restart failed: " + err.Error())
			}
		case "/summary":
			summary, err := o.RefreshSummary(ctx)
			switch {
			case err != nil:
				r.notice("summary failed: " + err.Error())
			case summary == nil:
				r.notice("no summary available, the stream is not connected")
			default:
				r.summary(summary)
			}
		case "/contacts":
			contacts, err := o.RefreshContacts(ctx)
			if err != nil {
				r.notice("contacts failed: " + err.Error())
				continue
			}
			r.contacts(contacts)
		default:
			if err := o.Submit(ctx, line); err != nil {
				r.notice(submitError(err))
			}
		}
	}
}

func submitError(err error) string {
	switch {
	case errors.Is(err, session.ErrAgentBusy):
		return "the agent is still working, wait for it to ask for input"
	case errors.Is(err, session.ErrNotConnected):
		return "not connected to the agent, use /restart"
	case errors.Is(err, session.ErrNoSession):
		return "no session, use /restart"
	default:
		return "send failed: " + err.Error()
	}
}
