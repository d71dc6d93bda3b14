package lolz_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/settlement/lolz"
	"github.com/warp/storefront/shop"
)

func TestPayURL(t *testing.T) {
	links := lolz.NewPayLinks("", "@sainz", "")

	raw := links.PayURL(shop.PaymentIntent{Amount: 500, Code: "00012345678901"})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lzt.market", u.Host)
	assert.Equal(t, "/balance/transfer", u.Path)
	q := u.Query()
	assert.Equal(t, "sainz", q.Get("username"))
	assert.Equal(t, "500", q.Get("amount"))
	assert.Equal(t, "rub", q.Get("currency"))
	assert.Equal(t, "00012345678901", q.Get("comment"))
	assert.Equal(t, "true", q.Get("telegram_deal"))
	assert.Equal(t, "false", q.Get("transfer_hold"))
}

func TestPayURL_NoRecipient(t *testing.T) {
	links := lolz.NewPayLinks("https://example.test/pay", "", "usd")

	assert.Empty(t, links.PayURL(shop.PaymentIntent{Amount: 1, Code: "1"}))
}
