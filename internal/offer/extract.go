package offer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Heuristic extraction patterns. The assistant sometimes writes the cart out
// as prose instead of attaching the structured payload; these recover it.
var (
	// e.g. "## Order Summary" / "Your Checkout Summary:"
	markerRe = regexp.MustCompile(`(?im)^#{0,3}\s*(?:your\s+)?(?:order|checkout|cart|quote)\s+summary\b.*$`)

	// Priced form: "3 x Premium Sealant: $389.99 each = $1169.97"
	pricedItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*]\s*)?(\d+)\s*[x×]\s*(.+?):\s*\$([\d,]+(?:\.\d{1,2})?)\s*each\s*=\s*\$([\d,]+(?:\.\d{1,2})?)\s*$`)

	// Bucket form: "3 x 15L bucket" — priced via the configured size table.
	bucketItemRe = regexp.MustCompile(`(?im)(\d+)\s*[x×]\s*(\d+)\s*L\b([^\n.,;:]*)`)

	subtotalRe       = regexp.MustCompile(`(?im)^[^a-zA-Z0-9]*sub[- ]?total\*{0,2}:?\s*\$?([\d,]+(?:\.\d{1,2})?)`)
	totalRe          = regexp.MustCompile(`(?im)^[^a-zA-Z0-9]*total\*{0,2}:?\s*\$?([\d,]+(?:\.\d{1,2})?)`)
	discountPctRe    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*(?:off|discount)|discount\s*\(\s*(\d+(?:\.\d+)?)\s*%\s*\)`)
	discountAmtRe    = regexp.MustCompile(`(?im)^[^a-zA-Z0-9]*discount[^$\n]*-?\s*\$([\d,]+(?:\.\d{1,2})?)`)
	currencyRe       = regexp.MustCompile(`\b(USD|EUR|GBP|ZAR|AUD|CAD|NZD)\b`)
	markdownLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\s)]+)\)`)
	ctaLabelRe       = regexp.MustCompile(`(?i)check\s*out|buy|order|pay|purchase|complete`)
	rawURLRe         = regexp.MustCompile(`https?://[^\s<>"')]+`)
	commercePathRe   = regexp.MustCompile(`(?i)/(?:cart|checkout)\b|[?&](?:cart|checkout)=`)
)

// Extractor recovers checkout offers from free-form assistant text. It is
// pure: no state is mutated and the same input always yields the same output.
type Extractor struct {
	// PriceTable resolves the unit price of the short bucket form,
	// keyed by size in liters, e.g. {15: "389.99"}.
	PriceTable map[int]string
	// FallbackCurrency is used when text names no currency. Empty means
	// leave the field unset.
	FallbackCurrency string
}

// FromText attempts heuristic extraction against free-form assistant text.
// It returns the recovered offer (nil when no offer is recognizable) and the
// display text with the matched block stripped out.
func (e Extractor) FromText(text string) (*CheckoutOffer, string) {
	hasMarker := markerRe.MatchString(text)
	priced := pricedItemRe.FindAllStringSubmatch(text, -1)
	buckets := bucketItemRe.FindAllStringSubmatch(text, -1)

	if !hasMarker && len(priced) == 0 && len(buckets) == 0 {
		return nil, text
	}

	var items []LineItem

	for _, m := range priced {
		qty, err := strconv.Atoi(m[1])
		if err != nil || qty <= 0 {
			continue
		}
		items = append(items, LineItem{
			Title:     strings.TrimSpace(m[2]),
			Quantity:  qty,
			UnitPrice: normalizePrice(m[3]),
			LineTotal: normalizePrice(m[4]),
		})
	}

	// The bucket form only applies when the priced form matched nothing;
	// otherwise "3 x 15L bucket: $389.99 each = ..." would double-count.
	if len(items) == 0 {
		for _, m := range buckets {
			qty, err := strconv.Atoi(m[1])
			if err != nil || qty <= 0 {
				continue
			}
			size, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			title := strings.TrimSpace(fmt.Sprintf("%dL %s", size, strings.TrimSpace(m[3])))
			it := LineItem{Title: title, Quantity: qty}
			if unit, ok := e.PriceTable[size]; ok {
				it.UnitPrice = normalizePrice(unit)
				if cents, ok := parseCents(it.UnitPrice); ok {
					it.LineTotal = formatCents(cents * int64(qty))
				}
			}
			items = append(items, it)
		}
	}

	sum := extractSummary(text)
	if sum.Currency == "" && e.FallbackCurrency != "" && strings.Contains(text, "$") {
		sum.Currency = e.FallbackCurrency
	}
	for _, it := range items {
		sum.TotalItems += it.Quantity
	}
	if sum.Subtotal == "" {
		sum.Subtotal = sumLineTotals(items)
	}

	// An offer is present only if something purchasable was recovered.
	if len(items) == 0 && sum.Total == "" {
		return nil, text
	}

	url := extractCheckoutURL(text)
	o := &CheckoutOffer{Items: items, Summary: sum, CheckoutURL: url}
	return o, stripOfferBlock(text, url)
}

func extractSummary(text string) Summary {
	var sum Summary
	if m := subtotalRe.FindStringSubmatch(text); m != nil {
		sum.Subtotal = normalizePrice(m[1])
	}
	if m := totalRe.FindStringSubmatch(text); m != nil {
		sum.Total = normalizePrice(m[1])
	}
	if m := discountPctRe.FindStringSubmatch(text); m != nil {
		pct := m[1]
		if pct == "" {
			pct = m[2]
		}
		if v, err := strconv.ParseFloat(pct, 64); err == nil {
			sum.DiscountPercent = v
		}
	}
	if m := discountAmtRe.FindStringSubmatch(text); m != nil {
		sum.DiscountAmount = normalizePrice(m[1])
	}
	if m := currencyRe.FindStringSubmatch(text); m != nil {
		sum.Currency = m[1]
	}
	return sum
}

// extractCheckoutURL prefers a markdown link whose label reads like a call to
// action, then falls back to the first raw URL with a commerce path.
func extractCheckoutURL(text string) string {
	for _, m := range markdownLinkRe.FindAllStringSubmatch(text, -1) {
		if ctaLabelRe.MatchString(m[1]) {
			return m[2]
		}
	}
	for _, u := range rawURLRe.FindAllString(text, -1) {
		if commercePathRe.MatchString(u) {
			return strings.TrimRight(u, ".,!")
		}
	}
	return ""
}

// stripOfferBlock removes the recognized offer lines (and a bare duplicate of
// the checkout URL) from the text that remains visible as prose.
func stripOfferBlock(text, checkoutURL string) string {
	text = markerRe.ReplaceAllString(text, "")
	text = pricedItemRe.ReplaceAllString(text, "")
	text = bucketItemRe.ReplaceAllString(text, "")
	text = subtotalRe.ReplaceAllString(text, "")
	text = totalRe.ReplaceAllString(text, "")
	text = discountAmtRe.ReplaceAllString(text, "")

	if checkoutURL != "" {
		// Drop whole lines that only carry the checkout link.
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			rest := strings.ReplaceAll(line, checkoutURL, "")
			if strings.TrimSpace(rest) == "" && strings.Contains(line, checkoutURL) {
				continue
			}
			if md := markdownLinkRe.FindStringSubmatch(line); md != nil && md[2] == checkoutURL && ctaLabelRe.MatchString(md[1]) {
				line = strings.Replace(line, md[0], "", 1)
				if strings.TrimSpace(line) == "" {
					continue
				}
			}
			kept = append(kept, line)
		}
		text = strings.Join(kept, "\n")
	}

	return collapseBlankLines(text)
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func sumLineTotals(items []LineItem) string {
	if len(items) == 0 {
		return ""
	}
	var total int64
	for _, it := range items {
		c, ok := parseCents(it.LineTotal)
		if !ok {
			return ""
		}
		total += c
	}
	return formatCents(total)
}

func normalizePrice(s string) string {
	c, ok := parseCents(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	return formatCents(c)
}
