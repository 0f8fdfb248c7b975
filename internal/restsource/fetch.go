package restsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tinytelemetry/siphon/internal/resource"
)

const maxResponseBytes = 64 << 20

// DefaultMaxPages bounds a page walk when the resource sets no max_pages.
const DefaultMaxPages = 1000

// Fetch returns a lazy sequence of the records of r. Pages are requested as
// the sequence is consumed; the first error ends it. last is the persisted
// cursor value and is only sent when the resource names an incremental param.
func (c *Client) Fetch(ctx context.Context, r *resource.Resource, last any) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		p := r.Paginate
		var prevSum uint64
		for page := 0; ; page++ {
			u, err := c.pageURL(r, last, page)
			if err != nil {
				yield(nil, err)
				return
			}
			items, sum, err := c.fetchPage(ctx, u, r.DataSelector)
			if err != nil {
				yield(nil, err)
				return
			}
			// A server that ignores the paging params answers every page alike.
			if page > 0 && len(items) > 0 && sum == prevSum {
				log.Printf("restsource: %s page %d repeats page %d, stopping", r.Name, page+1, page)
				return
			}
			prevSum = sum
			log.Printf("restsource: %s page %d: %d records", r.Name, page+1, len(items))
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}

			if p.Type == resource.PaginateNone || len(items) == 0 || len(items) < p.Limit {
				return
			}
			if p.MaxPages > 0 && page+1 >= p.MaxPages {
				return
			}
			if p.MaxPages == 0 && page+1 >= DefaultMaxPages {
				yield(nil, fmt.Errorf("restsource: %s: %w after %d pages; set paginate.max_pages", r.Name, ErrTooManyPages, DefaultMaxPages))
				return
			}
		}
	}
}

// Collect drains a sequence into a slice.
func Collect(seq iter.Seq2[map[string]any, error]) ([]map[string]any, error) {
	var out []map[string]any
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) pageURL(r *resource.Resource, last any, page int) (string, error) {
	endpoint := r.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		endpoint = c.baseURL + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("restsource: resource %s: parse url: %w", r.Name, err)
	}

	q := u.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	if inc := r.Incremental; inc != nil && inc.Param != "" && last != nil {
		q.Set(inc.Param, formatParam(last))
	}
	p := r.Paginate
	switch p.Type {
	case resource.PaginatePageNumber:
		q.Set(p.PageParam, strconv.Itoa(page+1))
		q.Set(p.LimitParam, strconv.Itoa(p.Limit))
	case resource.PaginateOffset:
		q.Set(p.OffsetParam, strconv.Itoa(page*p.Limit))
		q.Set(p.LimitParam, strconv.Itoa(p.Limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatParam(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// fetchPage returns the page records and a digest of the response body.
func (c *Client) fetchPage(ctx context.Context, u, selector string) ([]map[string]any, uint64, error) {
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("restsource: read %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, 0, &StatusError{URL: u, StatusCode: resp.StatusCode, Body: string(body)}
	}
	items, err := decodeRecords(body, selector)
	return items, xxhash.Sum64(body), err
}

// decodeRecords accepts a JSON array of objects, a single object, or an object
// holding the array under a dotted selector path.
func decodeRecords(body []byte, selector string) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("restsource: decode response: %w", err)
	}

	if selector != "" {
		for _, key := range strings.Split(selector, ".") {
			obj, ok := payload.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: data selector %q: %q is not an object", ErrUnexpectedPayload, selector, key)
			}
			payload, ok = obj[key]
			if !ok {
				return nil, fmt.Errorf("%w: data selector %q: key %q not found", ErrUnexpectedPayload, selector, key)
			}
		}
	}

	switch t := payload.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{t}, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: item %d is %T, not an object", ErrUnexpectedPayload, i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnexpectedPayload, payload)
}
