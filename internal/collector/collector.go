// Package collector reads the quote (price and change) off an authenticated page.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/browser"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/selector"
)

// ErrExtractionTimeout means the price never rendered after authentication.
var ErrExtractionTimeout = errors.New("extraction timed out")

// Targets are the regions read from the page.
type Targets struct {
	// Price is the narrow region holding the price figure only.
	Price selector.Spec
	// QuoteBlock holds price and change text together.
	QuoteBlock selector.Spec
	// Change holds the change text alone. Used when QuoteBlock is missing.
	Change selector.Spec
}

// TargetsFromConfig builds Targets from configured selectors.
func TargetsFromConfig(s config.Selectors) Targets {
	return Targets{
		Price:      selector.NewSpec("price", s.Price...),
		QuoteBlock: selector.NewSpec("quote block", s.QuoteBlock...),
		Change:     selector.NewSpec("change", s.Change...),
	}
}

// Collector extracts a Quote from one page.
type Collector struct {
	page     browser.Page
	resolver *selector.Resolver
	targets  Targets
	// PriceTimeout bounds the wait for the price region.
	PriceTimeout time.Duration
	// BlockTimeout bounds the wait for each change region.
	BlockTimeout time.Duration
	logger       zerolog.Logger
}

// NewCollector creates a Collector.
func NewCollector(page browser.Page, resolver *selector.Resolver, targets Targets, priceTimeout, blockTimeout time.Duration, logger zerolog.Logger) *Collector {
	return &Collector{
		page:         page,
		resolver:     resolver,
		targets:      targets,
		PriceTimeout: priceTimeout,
		BlockTimeout: blockTimeout,
		logger:       logger.With().Str("component", "collector").Logger(),
	}
}

// Collect waits for the price, then derives the change from the quote block.
func (c *Collector) Collect(ctx context.Context) (model.Quote, error) {
	priceLoc, err := c.resolver.Resolve(ctx, c.targets.Price, c.PriceTimeout)
	if err != nil {
		if errors.Is(err, selector.ErrElementNotFound) {
			return model.Quote{}, fmt.Errorf("%w after %s: %v", ErrExtractionTimeout, c.PriceTimeout, err)
		}
		return model.Quote{}, fmt.Errorf("wait for price: %w", err)
	}
	raw, err := c.page.Text(ctx, priceLoc)
	if err != nil {
		return model.Quote{}, fmt.Errorf("read price: %w", err)
	}
	price := strings.TrimSpace(raw)

	change, err := c.change(ctx, price)
	if err != nil {
		return model.Quote{}, err
	}

	c.logger.Info().Str("price", price).Str("change", change).Msg("quote extracted")
	return model.Quote{Price: price, Change: change}, nil
}

func (c *Collector) change(ctx context.Context, price string) (string, error) {
	blockLoc, err := c.resolver.Resolve(ctx, c.targets.QuoteBlock, c.BlockTimeout)
	if err == nil {
		text, err := c.page.Text(ctx, blockLoc)
		if err != nil {
			return "", fmt.Errorf("read quote block: %w", err)
		}
		return ExtractChange(text, price), nil
	}
	if !errors.Is(err, selector.ErrElementNotFound) {
		return "", fmt.Errorf("wait for quote block: %w", err)
	}

	c.logger.Warn().Err(err).Msg("quote block missing, reading change region")
	changeLoc, err := c.resolver.Resolve(ctx, c.targets.Change, c.BlockTimeout)
	if err != nil {
		return "", fmt.Errorf("read change: %w", err)
	}
	text, err := c.page.Text(ctx, changeLoc)
	if err != nil {
		return "", fmt.Errorf("read change: %w", err)
	}
	return Normalize(text), nil
}

// Normalize turns line breaks into spaces and trims the result.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

// ExtractChange removes the first occurrence of price from the normalized
// combined text and returns the trimmed rest. An empty price leaves the text
// unchanged apart from normalization.
func ExtractChange(combined, price string) string {
	text := Normalize(combined)
	price = strings.TrimSpace(price)
	if price == "" {
		return text
	}
	return strings.TrimSpace(strings.Replace(text, price, "", 1))
}
