package offer

import (
	"encoding/json"
	"strconv"
	"strings"
)

// LineItem is a single purchasable line in a checkout offer.
type LineItem struct {
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice,omitempty"`
	LineTotal string `json:"lineTotal,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// Summary aggregates the money fields of an offer. Fields are independent
// and any of them may be missing.
type Summary struct {
	TotalItems      int     `json:"totalItems,omitempty"`
	Subtotal        string  `json:"subtotal,omitempty"`
	Total           string  `json:"total,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	DiscountPercent float64 `json:"discountPercent,omitempty"`
	DiscountAmount  string  `json:"discountAmount,omitempty"`
}

// CheckoutOffer is a normalized cart/quote summary attachable to an
// assistant message.
type CheckoutOffer struct {
	Items       []LineItem `json:"items"`
	Summary     Summary    `json:"summary"`
	CheckoutURL string     `json:"checkoutUrl"`
}

// Strong reports whether the offer has a checkout URL and at least one
// image-bearing line item. A strong offer must never be replaced by a
// weaker snapshot of the same message.
func (o *CheckoutOffer) Strong() bool {
	if o == nil || o.CheckoutURL == "" {
		return false
	}
	for _, it := range o.Items {
		if it.ImageURL != "" {
			return true
		}
	}
	return false
}

// structuredOffer mirrors the field-name variants the backend has
// accumulated over time for the same payload.
type structuredOffer struct {
	Items       []LineItem      `json:"items"`
	LineItems   []LineItem      `json:"lineItems"`
	LineItemsV2 []LineItem      `json:"line_items"`
	Summary     json.RawMessage `json:"summary"`
	Totals      json.RawMessage `json:"totals"`
	CheckoutURL string          `json:"checkoutUrl"`
	CheckoutRaw string          `json:"checkout_url"`
	URL         string          `json:"url"`
}

// FromPayload validates a structured offer payload and normalizes it.
// Malformed shapes yield nil, never an error.
func FromPayload(raw json.RawMessage) *CheckoutOffer {
	if len(raw) == 0 {
		return nil
	}
	var so structuredOffer
	if err := json.Unmarshal(raw, &so); err != nil {
		return nil
	}

	items := so.Items
	if len(items) == 0 {
		items = so.LineItems
	}
	if len(items) == 0 {
		items = so.LineItemsV2
	}

	url := so.CheckoutURL
	if url == "" {
		url = so.CheckoutRaw
	}
	if url == "" {
		url = so.URL
	}

	if len(items) == 0 || url == "" {
		return nil
	}

	var sum Summary
	sumRaw := so.Summary
	if len(sumRaw) == 0 {
		sumRaw = so.Totals
	}
	if len(sumRaw) > 0 {
		// A bad summary degrades to an empty one, it does not reject the offer.
		_ = json.Unmarshal(sumRaw, &sum)
	}
	if sum.TotalItems == 0 {
		for _, it := range items {
			sum.TotalItems += it.Quantity
		}
	}

	return &CheckoutOffer{Items: items, Summary: sum, CheckoutURL: url}
}

// parseCents converts a price string like "1,169.97" into integer cents.
func parseCents(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	whole, frac := s, "0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	default:
		frac = frac[:2]
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return w*100 + f, true
}

// formatCents renders integer cents as a plain "1169.97" style string.
func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return sign + strconv.FormatInt(c/100, 10) + "." + pad2(c%100)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
