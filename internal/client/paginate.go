package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// searchPaginated assembles the complete result set for a list endpoint
// regardless of server side page limits. Failed pages are logged and
// skipped, this is a best effort batch rather than all-or-nothing.
func (c *RepositoryClient) searchPaginated(ctx context.Context, path string, q url.Values) (*SearchResult, error) {
	pageSize := c.pageSize

	// a caller requested range smaller than one page goes through unmodified
	if requested := q.Get("range-end"); requested != "" {
		if end, err := strconv.Atoi(requested); err == nil && end != -1 && end < pageSize {
			return c.searchPage(ctx, path, q)
		}
	}

	firstQuery := cloneValues(q)
	firstQuery.Set("range-end", strconv.Itoa(pageSize))

	result, err := c.searchPage(ctx, path, firstQuery)
	if err != nil {
		return nil, err
	}

	if result.RangeEnd >= result.HitsTotal || result.HitsTotal <= pageSize {
		return result, nil
	}

	items := result.Items
	remaining := result.HitsTotal - len(items)
	pages := (remaining + pageSize - 1) / pageSize
	c.logger.Infof("Retrieved %d of %d items, fetching %d more pages from %s", len(items), result.HitsTotal, pages, path)

	for i := 0; i < pages; i++ {
		rangeStart := (i + 1) * pageSize
		rangeEnd := rangeStart + pageSize
		if rangeEnd > result.HitsTotal {
			rangeEnd = result.HitsTotal
		}

		pageQuery := cloneValues(firstQuery)
		pageQuery.Set("range-start", strconv.Itoa(rangeStart))
		pageQuery.Set("range-end", strconv.Itoa(rangeEnd))

		page, err := c.searchPage(ctx, path, pageQuery)
		if err != nil {
			c.logger.Warnf("Page %d of %s failed: %s", i+2, path, err.Error())
			continue
		}
		items = append(items, page.Items...)
	}

	result.Items = items
	result.RangeEnd = result.HitsTotal
	return result, nil
}

func (c *RepositoryClient) searchPage(ctx context.Context, path string, q url.Values) (*SearchResult, error) {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, err
	}
	return result, nil
}

func cloneValues(q url.Values) url.Values {
	clone := make(url.Values, len(q))
	for k, values := range q {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}
