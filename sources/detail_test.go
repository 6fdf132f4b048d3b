package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/fetch"
)

const productPage = `<!doctype html>
<html><head>
  <title>Fallback title | Rebaid</title>
  <meta property="og:title" content="Bamboo Cutting Board &amp; Knife Set">
  <meta name="description" content="  Three boards,
     one knife. ">
  <meta property="og:image" content="/img/board.jpg">
  <meta property="product:category" content="Kitchen">
</head><body>
  <h1>Ignored heading</h1>
  <div class="price-box"><span class="price">$24.99</span></div>
  <a class="nav" href="https://www.amazon.com/gp/help">help</a>
  <a class="btn buy-btn" href="/go?url=https%3A%2F%2Fwww.amazon.com%2Fdp%2FB0C1234567%3Ftag%3Dx">Buy</a>
</body></html>`

func TestExtractDetailPrefersMetaTags(t *testing.T) {
	d, ok := ExtractDetail("https://rebaid.com/product_detail/42", &fetch.Response{
		Status: 200, Body: []byte(productPage), FinalURL: "https://rebaid.com/product_detail/42",
	})
	require.True(t, ok)

	assert.Equal(t, "https://rebaid.com/product_detail/42", d.URL)
	assert.Equal(t, "Bamboo Cutting Board & Knife Set", d.Title)
	assert.Equal(t, "Three boards, one knife.", d.Description)
	assert.Equal(t, "https://rebaid.com/img/board.jpg", d.ImageURL)
	assert.Equal(t, "Kitchen", d.Category)
	require.NotNil(t, d.Price)
	assert.InDelta(t, 24.99, *d.Price, 0.001)
	assert.Equal(t, "https://www.amazon.com/dp/B0C1234567?tag=x", d.AmazonURL, "buy button wins over earlier links")
	assert.Equal(t, "B0C1234567", d.ExternalID)
}

func TestExtractDetailFallsBackToBody(t *testing.T) {
	body := `<html><head><title>Desk Lamp</title></head><body>
		<div id="description"><p>Warm</p><p>light</p></div>
		<img data-src="https://cdn.test/lamp.jpg 1x, https://cdn.test/lamp@2x.jpg 2x">
		<a href="https://amzn.to/3xyz">deal</a>
	</body></html>`
	d, ok := ExtractDetail("https://rebatekey.com/rebates/7", &fetch.Response{Status: 200, Body: []byte(body)})
	require.True(t, ok)

	assert.Equal(t, "Desk Lamp", d.Title)
	assert.Equal(t, "Warm light", d.Description)
	assert.Equal(t, "https://cdn.test/lamp.jpg", d.ImageURL)
	assert.Equal(t, "https://amzn.to/3xyz", d.AmazonURL)
	assert.Empty(t, d.ExternalID)
	assert.Nil(t, d.Price)
}

func TestExtractDetailEmptyPage(t *testing.T) {
	_, ok := ExtractDetail("https://rebaid.com/x", &fetch.Response{Status: 200, Body: []byte("<html><body></body></html>")})
	assert.False(t, ok)
}

func TestUnwrapAmazonURL(t *testing.T) {
	tests := []struct {
		href string
		want string
	}{
		{"https://www.amazon.com/dp/B000000001", "https://www.amazon.com/dp/B000000001"},
		{"https://smile.amazon.co.uk/dp/B000000001", "https://smile.amazon.co.uk/dp/B000000001"},
		{"https://rebaid.com/out?u=https%3A%2F%2Famzn.to%2Fabc", "https://amzn.to/abc"},
		{"https://rebaid.com/out?url=https://www.amazon.com/dp/B000000002", "https://www.amazon.com/dp/B000000002"},
		{"https://rebaid.com/out?url=https://evil.test/amazon.com/", ""},
		{"https://notamazon.com/dp/B000000003", ""},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			assert.Equal(t, tt.want, UnwrapAmazonURL(tt.href))
		})
	}
}

func TestASIN(t *testing.T) {
	assert.Equal(t, "B0C1234567", ASIN("https://www.amazon.com/Some-Product/dp/B0C1234567/ref=sr_1"))
	assert.Equal(t, "B00ABCDEF1", ASIN("https://www.amazon.com/gp/product/B00ABCDEF1?psc=1"))
	assert.Empty(t, ASIN("https://www.amazon.com/stores/Acme/page/1"))
}
