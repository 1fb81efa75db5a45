package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const maxFeedBody = 4 << 20

var DefaultFeeds = []string{
	"https://www.cert.ssi.gouv.fr/feed/",
	"https://www.bleepingcomputer.com/feed/",
}

type rssDocument struct {
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			PubDate string `xml:"pubDate"`
			Desc    string `xml:"description"`
		} `xml:"item"`
	} `xml:"channel"`
}

type FeedReader struct {
	Base
}

func NewFeedReader(httpClient *http.Client, userAgent string, logger *logrus.Logger) *FeedReader {
	return &FeedReader{Base: newBase(httpClient, "", "", userAgent, logger)}
}

func (f *FeedReader) Name() string { return "feeds" }

// Fetch downloads an RSS 2.0 feed and returns its items.
func (f *FeedReader) Fetch(ctx context.Context, feedURL string) ([]models.FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feeds: new request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feeds: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Source: "feeds", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var doc rssDocument
	dec := xml.NewDecoder(io.LimitReader(resp.Body, maxFeedBody))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("feeds: parse %s: %w", feedURL, err)
	}

	items := make([]models.FeedItem, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		items = append(items, models.FeedItem{
			Feed:      feedURL,
			Title:     strings.TrimSpace(it.Title),
			Link:      strings.TrimSpace(it.Link),
			Summary:   strings.TrimSpace(it.Desc),
			Published: strings.TrimSpace(it.PubDate),
		})
	}
	return items, nil
}

var foldCase = cases.Fold()

// NormalizeText strips accents and folds case so "Société" matches "societe".
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return foldCase.String(out)
}

// MentionsVendor reports whether a feed title names the vendor label.
func MentionsVendor(title, label string) bool {
	label = NormalizeText(strings.TrimSpace(label))
	if len(label) < 3 {
		return false
	}
	return strings.Contains(NormalizeText(title), label)
}
