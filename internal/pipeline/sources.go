package pipeline

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"
)

// maxSitemapDepth bounds sitemap index recursion. Sitemap indexes may
// reference further indexes; without a bound a self-referencing chain
// would recurse forever.
const maxSitemapDepth = 5

// maxSitemapBody bounds how much sitemap XML is read from one response.
const maxSitemapBody = 50 << 20 // 50MB, the sitemap protocol's own limit

// SourceResolver expands a job's declared source into a flat URL list.
// Manual jobs resolve without network I/O; sitemap jobs fetch the sitemap
// and recurse depth-first into nested sitemap indexes, preserving document
// order and keeping duplicates.
type SourceResolver struct {
	client *http.Client
}

// NewSourceResolver creates a resolver whose sitemap fetches carry the
// given timeout.
func NewSourceResolver(timeout time.Duration) *SourceResolver {
	return &SourceResolver{
		client: &http.Client{Timeout: timeout},
	}
}

// Resolve returns the job's target URLs. Any fetch or parse failure is
// fatal to extraction; there is no partial result.
func (r *SourceResolver) Resolve(ctx context.Context, job *Job) ([]string, error) {
	switch job.SourceKind {
	case SourceManual:
		return job.SourceURLs, nil
	case SourceSitemap:
		return r.resolveSitemap(ctx, job.SitemapURL, 0)
	default:
		return nil, fmt.Errorf("unknown source kind %q", job.SourceKind)
	}
}

func (r *SourceResolver) resolveSitemap(ctx context.Context, loc string, depth int) ([]string, error) {
	if depth > maxSitemapDepth {
		return nil, fmt.Errorf("%w: %s", ErrSitemapTooDeep, loc)
	}

	body, err := r.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}

	doc, err := parseSitemapDocument(body)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", loc, err)
	}

	if !doc.isIndex {
		return doc.locs, nil
	}

	var urls []string
	for _, child := range doc.locs {
		childURLs, err := r.resolveSitemap(ctx, child, depth+1)
		if err != nil {
			return nil, err
		}
		urls = append(urls, childURLs...)
	}
	return urls, nil
}

// fetch retrieves the sitemap body. A transport error or non-2xx status is
// an extraction failure.
func (r *SourceResolver) fetch(ctx context.Context, loc string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("build sitemap request for %s: %w", loc, err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", loc, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch sitemap %s: unexpected status %d", loc, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBody))
	if err != nil {
		return nil, fmt.Errorf("read sitemap %s: %w", loc, err)
	}
	return body, nil
}

// sitemapDocument is the parsed shape of one sitemap response: either a
// leaf urlset (locs are page URLs) or a sitemapindex (locs are child
// sitemap URLs).
type sitemapDocument struct {
	isIndex bool
	locs    []string
}

type xmlURLSet struct {
	URLs []xmlLoc `xml:"url"`
}

type xmlSitemapIndex struct {
	Sitemaps []xmlLoc `xml:"sitemap"`
}

type xmlLoc struct {
	Loc string `xml:"loc"`
}

// parseSitemapDocument detects the root element and decodes either shape.
// Non-UTF-8 encodings declared in the XML prolog are handled by the
// charset reader.
func parseSitemapDocument(body []byte) (*sitemapDocument, error) {
	dec := newSitemapDecoder(body)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("document contains no sitemap root element")
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "urlset":
			var set xmlURLSet
			if err := dec.DecodeElement(&set, &start); err != nil {
				return nil, err
			}
			return &sitemapDocument{locs: collectLocs(set.URLs)}, nil
		case "sitemapindex":
			var index xmlSitemapIndex
			if err := dec.DecodeElement(&index, &start); err != nil {
				return nil, err
			}
			return &sitemapDocument{isIndex: true, locs: collectLocs(index.Sitemaps)}, nil
		default:
			return nil, fmt.Errorf("unexpected root element <%s>", start.Name.Local)
		}
	}
}

func newSitemapDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

// collectLocs extracts non-empty loc values in document order.
func collectLocs(entries []xmlLoc) []string {
	locs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Loc != "" {
			locs = append(locs, e.Loc)
		}
	}
	return locs
}
