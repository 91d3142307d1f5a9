// Package scoring rates a business's existing website from its served HTML.
package scoring

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/fetch"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// Sub-score names.
const (
	SubSecurity    = "security"
	SubMobile      = "mobile"
	SubPerformance = "performance"
	SubContent     = "content"
	SubContact     = "contact"
	SubFreshness   = "freshness"
)

// Performance bounds: at or under fastLoad scores 100, at or over slowLoad 0.
const (
	fastLoad = time.Second
	slowLoad = 8 * time.Second
)

// minWords is the body length that earns full marks for text volume.
const minWords = 300

// Fetcher retrieves pages. *fetch.CachedFetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.CachedResult, error)
}

// Scorer is the default provider.Scorer.
type Scorer struct {
	fetcher Fetcher
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a scorer.
func New(fetcher Fetcher, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{fetcher: fetcher, logger: logger.Named("scoring"), now: time.Now}
}

var _ provider.Scorer = (*Scorer)(nil)

// ScoreArtifact fetches url and scores it. Fetch failures come back already
// classified as transient or permanent provider errors.
func (s *Scorer) ScoreArtifact(ctx context.Context, url string) (*types.ArtifactScore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &provider.ValidationError{Field: "url", Message: "is required"}
	}
	now := s.now().UTC()

	// A profile on someone else's platform is not a website worth analyzing.
	if p := fetch.DetectPlatform(url); p.StandsInForSite() {
		return &types.ArtifactScore{
			Overall:   0,
			SubScores: map[string]float64{},
			Issues:    []string{"no standalone website (" + string(p) + " page)"},
			ScoredAt:  now,
		}, nil
	}

	res, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil, &provider.PermanentProviderError{Provider: "website", Cause: err}
	}

	score := Analyze(res.Result, doc, now)
	s.logger.Debug("website scored",
		zap.String("url", url),
		zap.Float64("overall", score.Overall),
		zap.Bool("cached", res.FromCache),
		zap.Strings("issues", score.Issues),
	)
	return score, nil
}

// Analyze scores a fetched page. Sub-scores that cannot be measured are
// left out of SubScores and out of the overall mean.
func Analyze(res *fetch.Result, doc *goquery.Document, now time.Time) *types.ArtifactScore {
	out := &types.ArtifactScore{SubScores: map[string]float64{}, ScoredAt: now}
	issue := func(msg string) { out.Issues = append(out.Issues, msg) }

	if res.Secure() {
		out.SubScores[SubSecurity] = 100
	} else {
		out.SubScores[SubSecurity] = 0
		issue("not served over HTTPS")
	}

	mobile := computeMobileScore(doc)
	out.SubScores[SubMobile] = mobile
	if mobile == 0 {
		issue("no mobile viewport")
	}

	if res.Elapsed > 0 {
		perf := computePerformanceScore(res.Elapsed)
		out.SubScores[SubPerformance] = perf
		if perf < 50 {
			issue("slow page load (" + res.Elapsed.Round(100*time.Millisecond).String() + ")")
		}
	}

	content, contentIssues := computeContentScore(doc)
	out.SubScores[SubContent] = content
	out.Issues = append(out.Issues, contentIssues...)

	contact := computeContactScore(doc)
	out.SubScores[SubContact] = contact
	if contact == 0 {
		issue("no contact details")
	}

	if year, ok := copyrightYear(doc); ok {
		fresh := computeFreshnessScore(year, now.Year())
		out.SubScores[SubFreshness] = fresh
		if fresh < 50 {
			issue("stale copyright year " + strconv.Itoa(year))
		}
	}

	if fetch.DetectDocumentPlatform(res.FinalURL, doc) == fetch.PlatformBuilder {
		issue("hosted on a site builder template")
	}

	out.Overall = Aggregate(out.SubScores)
	return out
}

// Aggregate is the mean of the measured sub-scores rounded to one decimal.
// No measurements aggregate to zero.
func Aggregate(sub map[string]float64) float64 {
	if len(sub) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range sub {
		sum += v
	}
	return math.Round(sum/float64(len(sub))*10) / 10
}

func computeMobileScore(doc *goquery.Document) float64 {
	content, ok := doc.Find(`meta[name="viewport"]`).Attr("content")
	if !ok {
		return 0
	}
	if strings.Contains(strings.ToLower(content), "width=device-width") {
		return 100
	}
	return 50
}

func computePerformanceScore(elapsed time.Duration) float64 {
	switch {
	case elapsed <= fastLoad:
		return 100
	case elapsed >= slowLoad:
		return 0
	}
	frac := float64(elapsed-fastLoad) / float64(slowLoad-fastLoad)
	return math.Round((1 - frac) * 100)
}

// computeContentScore weighs title 25, meta description 25, h1 20 and
// text volume 30.
func computeContentScore(doc *goquery.Document) (float64, []string) {
	var score float64
	var issues []string

	if strings.TrimSpace(doc.Find("title").First().Text()) != "" {
		score += 25
	} else {
		issues = append(issues, "missing page title")
	}
	if desc, _ := doc.Find(`meta[name="description"]`).Attr("content"); strings.TrimSpace(desc) != "" {
		score += 25
	} else {
		issues = append(issues, "missing meta description")
	}
	if doc.Find("h1").Length() > 0 {
		score += 20
	} else {
		issues = append(issues, "missing h1 heading")
	}

	words := len(strings.Fields(fetch.MainText(doc, fetch.DefaultTextSelectors())))
	if words >= minWords {
		score += 30
	} else {
		score += math.Round(30 * float64(words) / minWords)
		if words < minWords/3 {
			issues = append(issues, "thin content ("+strconv.Itoa(words)+" words)")
		}
	}
	return score, issues
}

var phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)

// computeContactScore weighs a phone 40, an email 30 and a form or address 30.
func computeContactScore(doc *goquery.Document) float64 {
	var score float64
	if doc.Find(`a[href^="tel:"]`).Length() > 0 || phonePattern.MatchString(doc.Find("body").Text()) {
		score += 40
	}
	if doc.Find(`a[href^="mailto:"]`).Length() > 0 {
		score += 30
	}
	if doc.Find("form").Length() > 0 || doc.Find("address").Length() > 0 {
		score += 30
	}
	return score
}

var copyrightPattern = regexp.MustCompile(`(?i)(?:©|&copy;|copyright)\s*(?:\d{4}\s*[-–]\s*)?(\d{4})`)

// copyrightYear finds the most recent copyright year on the page.
func copyrightYear(doc *goquery.Document) (int, bool) {
	matches := copyrightPattern.FindAllStringSubmatch(doc.Text(), -1)
	best := 0
	for _, m := range matches {
		if y, err := strconv.Atoi(m[1]); err == nil && y > best {
			best = y
		}
	}
	return best, best > 0
}

// computeFreshnessScore loses 20 points per year of age.
func computeFreshnessScore(year, current int) float64 {
	age := current - year
	if age <= 0 {
		return 100
	}
	return math.Max(0, 100-20*float64(age))
}
