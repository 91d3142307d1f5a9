package fetch

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		url      string
		expected Platform
	}{
		{"https://www.facebook.com/joesbakery", PlatformSocial},
		{"https://instagram.com/joesbakery", PlatformSocial},
		{"https://linktr.ee/joes", PlatformSocial},
		{"https://www.yelp.com/biz/joes-bakery", PlatformListing},
		{"https://maps.google.com/?cid=123", PlatformListing},
		{"https://joesbakery.wixsite.com/home", PlatformBuilder},
		{"https://joes.business.site", PlatformBuilder},
		{"https://joesbakery.com", PlatformCustom},
		{"https://notfacebook.com", PlatformCustom},
		{"not a url", PlatformUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectPlatform(tt.url))
		})
	}
}

func TestDetectDocumentPlatform(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><head><meta name="generator" content="Wix.com Website Builder"></head></html>`))
	require.NoError(t, err)

	assert.Equal(t, PlatformBuilder, DetectDocumentPlatform("https://joesbakery.com", doc))
	assert.Equal(t, PlatformSocial, DetectDocumentPlatform("https://facebook.com/joes", doc))
	assert.Equal(t, PlatformCustom, DetectDocumentPlatform("https://joesbakery.com", nil))
}

func TestStandsInForSite(t *testing.T) {
	assert.True(t, PlatformSocial.StandsInForSite())
	assert.True(t, PlatformListing.StandsInForSite())
	assert.False(t, PlatformBuilder.StandsInForSite())
	assert.False(t, PlatformCustom.StandsInForSite())
}
