package lolz

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/warp/storefront/shop"
)

const DefaultPayURL = "https://lzt.market/balance/transfer"

// PayLinks builds marketplace transfer links addressed to one recipient.
type PayLinks struct {
	BaseURL      string
	Recipient    string
	Currency     string
	TelegramDeal bool
	TransferHold bool
}

var _ shop.PayLinkBuilder = PayLinks{}

// NewPayLinks returns a builder with the marketplace defaults: rubles,
// telegram deal on, transfer hold off.
func NewPayLinks(baseURL, recipient, currency string) PayLinks {
	if baseURL == "" {
		baseURL = DefaultPayURL
	}
	if currency == "" {
		currency = "rub"
	}
	return PayLinks{
		BaseURL:      baseURL,
		Recipient:    strings.TrimPrefix(strings.TrimSpace(recipient), "@"),
		Currency:     currency,
		TelegramDeal: true,
	}
}

// PayURL returns the transfer link with the intent's code as the comment.
// It is empty when no recipient is configured.
func (p PayLinks) PayURL(intent shop.PaymentIntent) string {
	if p.Recipient == "" {
		return ""
	}
	q := url.Values{
		"username":      {p.Recipient},
		"amount":        {strconv.FormatInt(intent.Amount, 10)},
		"currency":      {p.Currency},
		"comment":       {intent.Code},
		"telegram_deal": {strconv.FormatBool(p.TelegramDeal)},
		"transfer_hold": {strconv.FormatBool(p.TransferHold)},
	}
	return p.BaseURL + "?" + q.Encode()
}
