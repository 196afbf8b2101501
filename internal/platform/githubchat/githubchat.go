// Package githubchat implements an orchestrator.Adapter over GitHub
// issue-comment webhooks: an issue (or pull request) is a "group", its
// author is a "user", and a reply is posted back as a new issue
// comment. Grounded on internal/forge/github.go's google/go-github
// client usage (NewClient(httpClient).WithAuthToken, Issues API),
// adapted from forge's general-purpose repo-automation surface to a
// single-purpose chat transport: webhook in, AddComment out.
package githubchat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/chatwarden/internal/httpkit"
	"github.com/nugget/chatwarden/internal/orchestrator"
)

// Config configures the GitHub chat adapter.
type Config struct {
	// Token authenticates outbound calls (AddComment).
	Token string
	// WebhookSecret verifies inbound webhook signatures, if set.
	WebhookSecret string
	// BaseURL is the API base for GitHub Enterprise; empty uses github.com.
	BaseURL string
	// Address and Port are where the webhook HTTP listener binds.
	Address string
	Port    int
	// PlatformName tags every ChatEvent (default "github").
	PlatformName string
}

// Bridge is a GitHub-backed orchestrator.Adapter. It runs a small HTTP
// server that accepts issue_comment webhook deliveries, forwarding each
// human comment as a ChatEvent, and posts replies back via the Issues
// API.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	client  *github.Client
	server  *http.Server
	Handler func(ctx context.Context, ev orchestrator.ChatEvent)
}

// New creates a Bridge. Handler may be set after construction, but must
// be set before Start if the adapter is meant to receive events.
func New(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PlatformName == "" {
		cfg.PlatformName = "github"
	}

	httpClient := httpkit.NewClient()
	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" && cfg.BaseURL != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("githubchat: configure enterprise url: %w", err)
		}
	}

	return &Bridge{cfg: cfg, logger: logger, client: client}, nil
}

var _ orchestrator.Adapter = (*Bridge)(nil)

// Start runs the webhook HTTP listener until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", b.handleWebhook)

	b.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", b.cfg.Address, b.cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("githubchat webhook listener starting", "address", b.server.Addr)
		errCh <- b.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return b.server.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("githubchat: listen: %w", err)
		}
		return nil
	}
}

// issueCommentPayload is the subset of GitHub's issue_comment webhook
// body this adapter consumes.
type issueCommentPayload struct {
	Action  string `json:"action"`
	Issue   struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (b *Bridge) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if b.cfg.WebhookSecret != "" {
		if !verifySignature(b.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
	}

	if r.Header.Get("X-GitHub-Event") != "issue_comment" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload issueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		b.logger.Warn("githubchat: unparseable webhook payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	if payload.Action != "created" {
		return
	}
	// A reply we just posted arrives as its own webhook delivery; a bot
	// account comment is tagged FromBot so preprocess (C3) terminates
	// without re-triggering the pipeline.
	fromBot := strings.EqualFold(payload.Comment.User.Type, "Bot")

	ev := orchestrator.ChatEvent{
		Platform:    b.cfg.PlatformName,
		GroupID:     fmt.Sprintf("%s#%d", payload.Repository.FullName, payload.Issue.Number),
		UserID:      payload.Comment.User.Login,
		UserName:    payload.Comment.User.Login,
		MessageID:   fmt.Sprintf("%d", payload.Comment.ID),
		RawText:     payload.Comment.Body,
		MentionsBot: strings.Contains(payload.Comment.Body, "@"+b.cfg.PlatformName),
		FromBot:     fromBot,
		GroupName:   payload.Repository.FullName,
	}

	if b.Handler != nil {
		b.Handler(r.Context(), ev)
	}
}

// verifySignature checks GitHub's HMAC-SHA256 webhook signature using
// the standard library directly (see DESIGN.md for why x/crypto adds
// nothing here: constant-time comparison is hmac.Equal).
func verifySignature(secret, header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// SendText posts text as a new issue comment on groupID ("owner/repo#N"),
// satisfying orchestrator.Adapter. replyTo is accepted for interface
// compatibility but unused: GitHub issue comments have no native quote
// mechanism, so a reply reference is rendered inline by the prompt
// builder's TARGET section instead.
func (b *Bridge) SendText(ctx context.Context, groupID, text, replyTo string) error {
	repo, number, err := splitGroupID(groupID)
	if err != nil {
		return fmt.Errorf("githubchat: %w", err)
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return fmt.Errorf("githubchat: %w", err)
	}
	_, _, err = b.client.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: &text})
	if err != nil {
		return fmt.Errorf("githubchat: create comment: %w", err)
	}
	return nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

func splitGroupID(groupID string) (repo string, number int, err error) {
	idx := strings.LastIndex(groupID, "#")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid group id %q, expected owner/repo#number", groupID)
	}
	repo = groupID[:idx]
	if _, err := fmt.Sscanf(groupID[idx+1:], "%d", &number); err != nil {
		return "", 0, fmt.Errorf("invalid issue number in group id %q: %w", groupID, err)
	}
	return repo, number, nil
}
