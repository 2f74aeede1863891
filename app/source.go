package app

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/carlmjohnson/requests"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"jobwatch/config"
)

// JobPosting is a raw listing row before it is deduplicated and persisted.
type JobPosting struct {
	Title string
	URL   string
}

// Listing rows live inside the projects collection table.
const listingRowsXPath = `//tbody[@data-filter='collection']//tr[contains(@class, 'project-row')]`

var (
	hireRateLabel   = "معدل التوظيف"
	hireRateNotYet  = "لم يحسب بعد"
	hireRatePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
)

// SourceClient issues all fetches against the listings source. Every call is
// bounded by the configured request timeout and goes through the rotating
// user-agent transport.
type SourceClient struct {
	cfg       *config.Config
	log       *zap.Logger
	transport http.RoundTripper
}

func NewSourceClient(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, transport http.RoundTripper) *SourceClient {
	return &SourceClient{cfg, log, transport}
}

func (c *SourceClient) fetchDocument(ctx context.Context, url string) (*html.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body string
	err := requests.URL(url).
		Transport(c.transport).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return htmlquery.Parse(strings.NewReader(body))
}

// FetchListing parses every posting row on a category page. An unexpected
// page shape yields an empty slice, not an error; the source legitimately
// serves empty collections.
func (c *SourceClient) FetchListing(ctx context.Context, url string) ([]JobPosting, error) {
	doc, err := c.fetchDocument(ctx, url)
	if err != nil {
		return nil, err
	}

	rows := htmlquery.Find(doc, listingRowsXPath)
	postings := make([]JobPosting, 0, len(rows))
	for _, row := range rows {
		if p := c.parseRow(row); p != nil {
			postings = append(postings, *p)
		}
	}
	return postings, nil
}

// FetchFirstListing is the quick-check probe: it inspects only the newest
// row to decide whether a full fetch is worth doing. (nil, nil) means the
// page yielded no parseable posting.
func (c *SourceClient) FetchFirstListing(ctx context.Context, url string) (*JobPosting, error) {
	doc, err := c.fetchDocument(ctx, url)
	if err != nil {
		return nil, err
	}

	row := htmlquery.FindOne(doc, listingRowsXPath)
	if row == nil {
		return nil, nil
	}
	return c.parseRow(row), nil
}

func (c *SourceClient) parseRow(row *html.Node) *JobPosting {
	link := htmlquery.FindOne(row, `.//h2/a`)
	if link == nil {
		return nil
	}

	href := htmlquery.SelectAttr(link, "href")
	title := compactWhitespace(htmlquery.InnerText(link))
	if href == "" || title == "" {
		return nil
	}
	return &JobPosting{Title: title, URL: c.absoluteURL(href)}
}

func (c *SourceClient) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return c.cfg.SourceBaseURL + href
}

// FetchHireRate reads the hiring-rate percentage off a posting's detail
// page. A missing label, or the "not yet computed" placeholder, reports
// (0, false, nil): the posting simply has no score.
func (c *SourceClient) FetchHireRate(ctx context.Context, url string) (float64, bool, error) {
	doc, err := c.fetchDocument(ctx, url)
	if err != nil {
		return 0, false, err
	}

	for _, row := range htmlquery.Find(doc, `//table//tr`) {
		text := collectText(row)
		if !strings.Contains(text, hireRateLabel) {
			continue
		}
		if strings.Contains(text, hireRateNotYet) {
			return 0, false, nil
		}

		m := hireRatePattern.FindStringSubmatch(text)
		if m == nil {
			return 0, false, nil
		}
		rate, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false, nil
		}
		return rate, true, nil
	}
	return 0, false, nil
}
