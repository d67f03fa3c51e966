package hebe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// Pagination query parameters, managed by GetAll.
const (
	paramPageSize     = "pageSize"
	paramLastID       = "lastId"
	paramLastSyncDate = "lastSyncDate"
)

// cursor is the state of one GetAll loop. lastID is nil until the first page
// has been read.
type cursor struct {
	pageSize int
	lastID   *int64
}

func (cur cursor) apply(params url.Values) url.Values {
	out := make(url.Values, len(params)+2)
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	out.Set(paramPageSize, strconv.Itoa(cur.pageSize))
	if cur.lastID != nil {
		out.Set(paramLastID, strconv.FormatInt(*cur.lastID, 10))
	} else {
		out.Del(paramLastID)
	}
	return out
}

// advance moves the cursor past the last item of a full page.
func (cur *cursor) advance(page []json.RawMessage) error {
	id, err := itemID(page[len(page)-1])
	if err != nil {
		return err
	}
	if cur.lastID != nil && id <= *cur.lastID {
		return fmt.Errorf("%w: cursor did not advance past id %d (page ended at %d)",
			ErrInvalidResponseContent, *cur.lastID, id)
	}
	cur.lastID = &id
	return nil
}

// GetAll reads every item of a collection endpoint, one page at a time.
//
// Each call asks for a fixed page size. A full page means more may follow,
// so the next call continues after the last item's Id; a shorter page ends
// the loop. An exactly full final page therefore costs one extra, empty,
// request. Every page must be tagged TypeList.
func (c *Client) GetAll(ctx context.Context, entity string, params url.Values) ([]json.RawMessage, error) {
	cur := cursor{pageSize: c.pageSize}
	var all []json.RawMessage
	for {
		env, err := c.Get(ctx, entity, cur.apply(params))
		if err != nil {
			return nil, err
		}
		page, err := Decode[[]json.RawMessage](env, TypeList)
		if err != nil {
			return nil, err
		}
		c.metrics.page()
		all = append(all, page...)

		if len(page) < cur.pageSize {
			c.logger.Debug("collection complete",
				zap.String("entity", entity), zap.Int("items", len(all)))
			return all, nil
		}
		if err := cur.advance(page); err != nil {
			return nil, err
		}
	}
}

func itemID(item json.RawMessage) (int64, error) {
	var v struct {
		ID *int64 `json:"Id"`
	}
	if err := json.Unmarshal(item, &v); err != nil {
		return 0, fmt.Errorf("%w: read item id: %v", ErrInvalidResponseContent, err)
	}
	if v.ID == nil {
		return 0, fmt.Errorf("%w: item has no Id", ErrInvalidResponseContent)
	}
	return *v.ID, nil
}
