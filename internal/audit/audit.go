// Package audit produces a prose solvency review of the queue. It formats a
// snapshot summary, sends it to an external text generator and falls back
// to a placeholder when the generator is unconfigured or fails. Nothing
// here touches engine state.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/deposit-queue/internal/model"
)

// Placeholder texts returned instead of an error.
const (
	PlaceholderUnconfigured = "Audit unavailable: no analysis endpoint is configured."
	PlaceholderFailed       = "Audit unavailable: the analysis service did not respond. Try again later."
)

var ErrNotConfigured = errors.New("audit: endpoint not configured")

// Generator turns a prompt into prose.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Report is the outcome of one audit request.
type Report struct {
	Summary     string    `json:"summary"`
	Text        string    `json:"text"`
	Placeholder bool      `json:"placeholder"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Auditor wires a Generator to snapshot summaries. A nil Generator always
// yields the unconfigured placeholder.
type Auditor struct {
	gen Generator
}

// New creates an auditor.
func New(gen Generator) *Auditor {
	return &Auditor{gen: gen}
}

// Run audits s. It never returns an error; failures degrade to a
// placeholder and are logged.
func (a *Auditor) Run(ctx context.Context, s model.Snapshot) Report {
	summary := Summarize(s)
	rep := Report{Summary: summary, GeneratedAt: time.Now().UTC()}

	if a == nil || a.gen == nil {
		rep.Text = PlaceholderUnconfigured
		rep.Placeholder = true
		return rep
	}
	text, err := a.gen.Generate(ctx, Prompt(summary))
	if err != nil || strings.TrimSpace(text) == "" {
		if errors.Is(err, ErrNotConfigured) {
			rep.Text = PlaceholderUnconfigured
		} else {
			slog.Warn("audit generation failed", "err", err)
			rep.Text = PlaceholderFailed
		}
		rep.Placeholder = true
		return rep
	}
	rep.Text = strings.TrimSpace(text)
	return rep
}

// Summarize renders the statistics the generator is allowed to see.
func Summarize(s model.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round: %d (%s), %d transactions, expires %s\n",
		s.Round, s.RoundState, s.RoundTransactions, s.RoundExpiry.Format(time.RFC3339))
	fmt.Fprintf(&b, "Tick: %d\n", s.Tick)
	fmt.Fprintf(&b, "Total deposited: %s\n", s.TotalDeposited.StringFixed(2))
	fmt.Fprintf(&b, "Paid out: %s\n", s.PaidOut.StringFixed(2))
	fmt.Fprintf(&b, "Protocol reserve: %s\n", s.ProtocolReserve.StringFixed(2))
	fmt.Fprintf(&b, "Jackpot reserve: %s\n", s.JackpotReserve.StringFixed(2))
	fmt.Fprintf(&b, "Outstanding liability: %s\n", s.Liability.StringFixed(2))
	fmt.Fprintf(&b, "Health factor: %s\n", s.HealthFactor.StringFixed(4))
	fmt.Fprintf(&b, "Queue length: %d\n", s.QueueLength)
	fmt.Fprintf(&b, "Multiplier: %s (%s strategy, policy v%d)\n",
		s.CurrentMultiplier.StringFixed(4), s.Strategy, s.PolicyVersion)
	fmt.Fprintf(&b, "Retired positions: %d worth %s\n", s.RetiredCount, s.RetiredValue.StringFixed(2))

	counts := map[model.ExitReason]int{}
	for _, e := range s.RecentExits {
		counts[e.Reason]++
	}
	if len(s.RecentExits) > 0 {
		fmt.Fprintf(&b, "Recent exits (%d): paid %d, slashed %d, early %d, refund %d, jackpot %d\n",
			len(s.RecentExits),
			counts[model.ExitPaid], counts[model.ExitSlashed], counts[model.ExitEarly],
			counts[model.ExitRefund], counts[model.ExitJackpotWin])
	}
	if n := len(s.Rounds); n > 0 {
		last := s.Rounds[n-1]
		fmt.Fprintf(&b, "Last settled round: %d by %s, closing reserve %s\n",
			last.Round, last.Reason, last.ClosingReserve.StringFixed(2))
	}
	return b.String()
}

// Prompt wraps a summary in the reviewer instructions.
func Prompt(summary string) string {
	return "You are reviewing a simulated deposit-queue payout protocol. " +
		"Assess its solvency and sustainability in three short paragraphs, " +
		"citing the figures below.\n\n" + summary
}

// HTTPGenerator calls a chat-completions style endpoint.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// NewHTTPGenerator constructs a generator with sane defaults.
func NewHTTPGenerator(endpoint, apiKey, model string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate posts the prompt and returns the first choice.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.endpoint == "" {
		return "", ErrNotConfigured
	}
	buf, err := json.Marshal(chatRequest{
		Model:     g.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 600,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("audit: generator failed: status=%d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("audit: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("audit: empty response")
	}
	return out.Choices[0].Message.Content, nil
}
