package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/4liaghaie/scraper-dashboard/fetch"
)

func TestParseStoreByline(t *testing.T) {
	body := `<html><body>
		<a id="bylineInfo" class="a-link-normal" href="/stores/Acme/page/1234?ref_=ast_bln">
			Visit the <b>Acme</b> Store
		</a>
		<a id="sellerProfileTriggerId" href="/sp?seller=XYZ">Acme Seller</a>
	</body></html>`

	name, url := ParseStore([]byte(body), "https://www.amazon.com/dp/B000000001?th=1")
	assert.Equal(t, "Acme", name)
	assert.Equal(t, "https://www.amazon.com/stores/Acme/page/1234?ref_=ast_bln", url)
}

func TestParseStoreBrandPrefix(t *testing.T) {
	body := `<a id="bylineInfo" href="/s?k=Globex">Brand: Globex</a>`
	name, url := ParseStore([]byte(body), "https://www.amazon.co.uk/dp/B000000002")
	assert.Equal(t, "Globex", name)
	assert.Equal(t, "https://www.amazon.co.uk/s?k=Globex", url)
}

func TestParseStoreSellerFallback(t *testing.T) {
	body := `<div><a id="sellerProfileTriggerId" href="/sp?seller=XYZ&amp;asin=B1">  Initech   Direct </a></div>`
	name, url := ParseStore([]byte(body), "https://www.amazon.com/gp/product/B000000003")
	assert.Equal(t, "Initech Direct", name)
	assert.Equal(t, "https://www.amazon.com/sp?seller=XYZ&asin=B1", url)
}

func TestParseStoreNotFound(t *testing.T) {
	name, url := ParseStore([]byte(`<html><body><span id="bylineInfo">no link</span></body></html>`), "https://www.amazon.com/dp/B1")
	assert.Empty(t, name)
	assert.Empty(t, url)

	_, ok := ExtractStore("https://www.amazon.com/dp/B1", &fetch.Response{Status: 200, Body: []byte("<html></html>")})
	assert.False(t, ok)
}

func TestExtractStoreKeysByTarget(t *testing.T) {
	body := `<a id="bylineInfo" href="/stores/Acme">Visit the Acme Store</a>`
	s, ok := ExtractStore("https://amzn.to/abc", &fetch.Response{
		Status: 200, Body: []byte(body), FinalURL: "https://www.amazon.com/dp/B000000001",
	})
	assert.True(t, ok)
	assert.Equal(t, "https://amzn.to/abc", s.URL)
	assert.Equal(t, "https://www.amazon.com/stores/Acme", s.StoreURL)
}
