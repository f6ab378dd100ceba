package swcache

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// refreshFromSitemaps re-reads the configured sitemaps and refreshes every
// page they list into the dynamic generation. Unchanged pages are not
// rewritten.
func (w *Worker) refreshFromSitemaps(ctx context.Context) (refreshed, failed int, _ error) {
	urls, err := w.discoverURLs(ctx)
	if err != nil {
		return 0, 0, err
	}

	var ok, bad atomic.Int64
	var wg sync.WaitGroup
	for _, raw := range urls {
		raw := raw
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(ok.Load()), int(bad.Load()), ctx.Err()
		case w.bgSem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-w.bgSem }()
			if err := w.refreshOne(ctx, raw); err != nil {
				w.log.Debug("content sync: refresh failed", "url", raw, "err", err)
				bad.Add(1)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	return int(ok.Load()), int(bad.Load()), nil
}

func (w *Worker) refreshOne(ctx context.Context, raw string) error {
	u, err := resolveLocal(w.s, raw)
	if err != nil {
		return err
	}
	req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	resp, err := w.net.Fetch(ctx, req, FetchOptions{})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	w.engine.storeIfChanged(w.s.DynamicCacheName, req.Key(), resp)
	return nil
}

// discoverURLs walks the sitemaps, following nested sitemap indexes once
// each, and returns the page URLs in discovery order.
func (w *Worker) discoverURLs(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(w.sitemaps))
	for _, sm := range w.sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, nested)
			}
		}
		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			if _, ok := seenURLs[loc]; ok {
				continue
			}
			seenURLs[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out, nil
}

func (w *Worker) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	u, err := resolveLocal(w.s, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.net.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, FetchOptions{Reload: true})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Servers may serve a .gz sitemap with or without Content-Encoding, so
	// sniff the gzip magic as well.
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
