package simserver

import (
	"encoding/json"
	"strings"
)

// DefaultResponder scripts a small sales conversation. Asking for a quote
// yields a structured offer; asking about buckets yields the free-form
// text variant so the heuristic extraction path is exercisable end to end.
func DefaultResponder(userText string) (string, json.RawMessage) {
	lower := strings.ToLower(userText)

	switch {
	case strings.Contains(lower, "quote"), strings.Contains(lower, "checkout"):
		reply := "Here's your quote — everything is in stock and ready to ship."
		offer := json.RawMessage(`{
			"items": [
				{"title": "15L bucket of premium sealant", "quantity": 2,
				 "unitPrice": "389.99", "lineTotal": "779.98",
				 "imageUrl": "https://cdn.example.com/img/sealant-15l.jpg"}
			],
			"summary": {"totalItems": 2, "subtotal": "779.98", "total": "779.98", "currency": "USD"},
			"checkoutUrl": "https://shop.example.com/cart/abc123"
		}`)
		return reply, offer

	case strings.Contains(lower, "bucket"):
		return "Great choice! Here's what I'd suggest:\n\n" +
			"Order Summary\n" +
			"3 x 15L bucket\n" +
			"Total: $1169.97\n\n" +
			"[Complete your checkout](https://shop.example.com/checkout/xyz789)", nil

	case strings.Contains(lower, "hello"), strings.Contains(lower, "hi"):
		return "Hi there! I can help with product questions and put together a quote whenever you're ready.", nil
	}

	return "Thanks for your message! Tell me what you're working on and I'll recommend the right product and quantity.", nil
}
