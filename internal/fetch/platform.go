package fetch

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Platform classifies where a business "website" actually lives.
type Platform string

const (
	// PlatformSocial is a social network profile standing in for a site
	PlatformSocial Platform = "social"
	// PlatformListing is a directory or maps listing
	PlatformListing Platform = "listing"
	// PlatformBuilder is a hosted site builder
	PlatformBuilder Platform = "builder"
	// PlatformCustom is a self-hosted site
	PlatformCustom Platform = "custom"
	// PlatformUnknown is an unparseable URL
	PlatformUnknown Platform = "unknown"
)

var platformHosts = map[Platform][]string{
	PlatformSocial: {
		"facebook.com", "fb.com", "instagram.com", "linkedin.com",
		"tiktok.com", "twitter.com", "x.com", "linktr.ee",
	},
	PlatformListing: {
		"yelp.com", "google.com", "goo.gl", "tripadvisor.com",
		"yellowpages.com", "foursquare.com",
	},
	PlatformBuilder: {
		"wixsite.com", "squarespace.com", "weebly.com", "godaddysites.com",
		"wordpress.com", "blogspot.com", "carrd.co", "webflow.io", "business.site",
	},
}

// generatorHints match the <meta name="generator"> of builder-hosted pages
// served from a custom domain.
var generatorHints = []string{"wix", "squarespace", "weebly", "godaddy", "webflow", "site123", "jimdo"}

// DetectPlatform identifies the hosting platform from a URL.
func DetectPlatform(urlStr string) Platform {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Host == "" {
		return PlatformUnknown
	}
	host := strings.ToLower(parsed.Hostname())
	for _, p := range []Platform{PlatformSocial, PlatformListing, PlatformBuilder} {
		for _, h := range platformHosts[p] {
			if host == h || strings.HasSuffix(host, "."+h) {
				return p
			}
		}
	}
	return PlatformCustom
}

// DetectDocumentPlatform refines a custom-domain detection using the page's
// generator meta tag.
func DetectDocumentPlatform(urlStr string, doc *goquery.Document) Platform {
	p := DetectPlatform(urlStr)
	if p != PlatformCustom || doc == nil {
		return p
	}
	gen, _ := doc.Find(`meta[name="generator"]`).Attr("content")
	gen = strings.ToLower(gen)
	for _, hint := range generatorHints {
		if strings.Contains(gen, hint) {
			return PlatformBuilder
		}
	}
	return p
}

// StandsInForSite reports whether the platform is a page the business does
// not control as its own website.
func (p Platform) StandsInForSite() bool {
	return p == PlatformSocial || p == PlatformListing
}
