// Package describe generates short prose descriptions for canonical
// businesses. The Anthropic-backed describer is the production
// implementation; Template is the offline fallback and Noop disables
// the feature. Description failures are never fatal to a merge.
package describe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/taxonomy"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 300
)

// Config controls the Anthropic describer.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// Anthropic generates descriptions with the Messages API.
type Anthropic struct {
	client    sdk.Client
	model     string
	maxTokens int64
	tax       *taxonomy.Taxonomy
	logger    *zap.Logger
}

// NewAnthropic builds the production describer.
func NewAnthropic(cfg Config, tax *taxonomy.Taxonomy, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		maxTokens: maxTokens,
		tax:       tax,
		logger:    logger,
	}, nil
}

// Describe asks the model for a couple of sentences about the business.
func (a *Anthropic) Describe(ctx context.Context, b directory.CanonicalBusiness) (string, error) {
	prompt := buildPrompt(b, a.tax)

	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe entity %d: %w", b.ID, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("describe entity %d: empty completion", b.ID)
	}
	a.logger.Debug("description generated",
		zap.Uint64("entity", uint64(b.ID)),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

func buildPrompt(b directory.CanonicalBusiness, tax *taxonomy.Taxonomy) string {
	var sb strings.Builder
	sb.WriteString("Write a neutral two-sentence directory description for this UK business. ")
	sb.WriteString("Use only the facts given; do not invent details.\n\n")
	fmt.Fprintf(&sb, "Name: %s\n", b.DisplayName)
	if b.Address.Text != "" {
		fmt.Fprintf(&sb, "Address: %s\n", b.Address.Text)
	}
	if b.CategoryCode != "" && tax != nil {
		fmt.Fprintf(&sb, "Category: %s\n", tax.Name(b.CategoryCode))
	}
	if b.Rating.Weight > 0 {
		fmt.Fprintf(&sb, "Rating: %.1f out of 5\n", b.Rating.Value)
	}
	if b.PriceTier != "" {
		fmt.Fprintf(&sb, "Price tier: %s\n", b.PriceTier)
	}
	if len(b.OpeningHours) > 0 {
		days := make([]string, 0, len(b.OpeningHours))
		for day := range b.OpeningHours {
			days = append(days, day)
		}
		sort.Strings(days)
		fmt.Fprintf(&sb, "Open: %s\n", strings.Join(days, ", "))
	}
	return sb.String()
}

// Template produces a deterministic description from merged fields. It
// serves offline runs and tests.
type Template struct {
	tax *taxonomy.Taxonomy
}

// NewTemplate builds the fallback describer.
func NewTemplate(tax *taxonomy.Taxonomy) *Template {
	return &Template{tax: tax}
}

// Describe renders "Name is a category in locality" style prose.
func (t *Template) Describe(_ context.Context, b directory.CanonicalBusiness) (string, error) {
	var sb strings.Builder
	sb.WriteString(b.DisplayName)
	if b.CategoryCode != "" && t.tax != nil {
		fmt.Fprintf(&sb, " is a %s", strings.ToLower(t.tax.Name(b.CategoryCode)))
	} else {
		sb.WriteString(" is a local business")
	}
	if b.Address.Postcode != "" {
		fmt.Fprintf(&sb, " in the %s area", b.Address.Postcode)
	}
	sb.WriteString(".")
	if b.Rating.Weight > 0 {
		fmt.Fprintf(&sb, " Rated %.1f out of 5 by visitors.", b.Rating.Value)
	}
	return sb.String(), nil
}

// Noop disables description generation.
type Noop struct{}

// Describe returns an empty description.
func (Noop) Describe(context.Context, directory.CanonicalBusiness) (string, error) {
	return "", nil
}
