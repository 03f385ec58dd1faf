// Package bilibili reads comment, reply and search data from the Bilibili
// web API through a crawler.Fetcher.
package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

const (
	// DefaultAPIBase is the public web API host.
	DefaultAPIBase = "https://api.bilibili.com"
	// DefaultUserAgent matches the desktop browser the API expects.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko)"
	// DefaultPageSize is the fixed size of reply pages.
	DefaultPageSize = 20

	countPath  = "/x/v2/reply/count"
	mainPath   = "/x/v2/reply/main"
	replyPath  = "/x/v2/reply/reply"
	searchPath = "/x/web-interface/search/all/v2"
)

// Config controls the client.
type Config struct {
	APIBase   string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
}

// Client implements crawler.CommentSource.
type Client struct {
	fetcher    crawler.Fetcher
	credential crawler.Credential
	cfg        Config
	logger     *zap.Logger
}

var _ crawler.CommentSource = (*Client)(nil)

// NewClient builds a Client. credential may be nil for anonymous access.
func NewClient(fetcher crawler.Fetcher, credential crawler.Credential, cfg Config, logger *zap.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fetcher: fetcher, credential: credential, cfg: cfg, logger: logger}
}

// CommonHeaders returns the headers sent with every API request.
func CommonHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("Origin", "https://www.bilibili.com")
	h.Set("Authority", "api.bilibili.com")
	h.Set("Sec-Ch-Ua", `"Chromium";v="116", "Not)A;Brand";v="24", "Microsoft Edge";v="116"`)
	h.Set("User-Agent", userAgent)
	return h
}

// CommentCount returns the number of top-level comments on a video.
func (c *Client) CommentCount(ctx context.Context, oid int64) (int, error) {
	params := url.Values{}
	params.Set("type", "1")
	params.Set("oid", strconv.FormatInt(oid, 10))

	env, err := c.get(ctx, countPath, params, false)
	if err != nil {
		return 0, err
	}
	if *env.Code != 0 {
		return 0, &crawler.APIError{Code: *env.Code, Message: env.Message}
	}
	var data countData
	if err := decode(env.Data, &data); err != nil {
		return 0, err
	}
	if data.Count == nil {
		return 0, fmt.Errorf("reply count: %w: missing data.count", crawler.ErrMalformedResponse)
	}
	return *data.Count, nil
}

// CommentPage returns one page of root comments. An empty cursor requests
// the first page. A non-zero remote code is reported in the page, not as an
// error.
func (c *Client) CommentPage(ctx context.Context, oid int64, cursor string) (crawler.CommentPage, error) {
	params := url.Values{}
	params.Set("type", "1")
	params.Set("oid", strconv.FormatInt(oid, 10))
	params.Set("mode", "3")
	params.Set("pagination_str", PaginationString(cursor))

	env, err := c.get(ctx, mainPath, params, true)
	if err != nil {
		return crawler.CommentPage{}, err
	}
	page := crawler.CommentPage{Code: *env.Code, Message: env.Message}
	if page.Code != 0 {
		return page, nil
	}
	var data mainData
	if err := decode(env.Data, &data); err != nil {
		return crawler.CommentPage{}, err
	}
	page.Comments = make([]crawler.RootComment, 0, len(data.Replies))
	for _, r := range data.Replies {
		page.Comments = append(page.Comments, crawler.RootComment{
			RPID:       r.RPID,
			ReplyCount: r.RCount,
			Author:     r.Member.Uname,
			Text:       r.Content.Message,
		})
	}
	if next := data.Cursor.PaginationReply.NextOffset; next != nil {
		page.NextCursor = *next
	}
	return page, nil
}

// ReplyPage returns one page (1-based) of replies under a root comment.
func (c *Client) ReplyPage(ctx context.Context, oid, root int64, page int) ([]crawler.Reply, error) {
	params := url.Values{}
	params.Set("type", "1")
	params.Set("oid", strconv.FormatInt(oid, 10))
	params.Set("ps", strconv.Itoa(c.cfg.PageSize))
	params.Set("pn", strconv.Itoa(page))
	params.Set("root", strconv.FormatInt(root, 10))

	env, err := c.get(ctx, replyPath, params, false)
	if err != nil {
		return nil, err
	}
	if *env.Code != 0 {
		return nil, &crawler.APIError{Code: *env.Code, Message: env.Message}
	}
	var data replyData
	if err := decode(env.Data, &data); err != nil {
		return nil, err
	}
	replies := make([]crawler.Reply, 0, len(data.Replies))
	for _, r := range data.Replies {
		replies = append(replies, crawler.Reply{
			RPID:     r.RPID,
			ParentID: r.Parent,
			Author:   r.Member.Uname,
			Text:     r.Content.Message,
		})
	}
	return replies, nil
}

// SearchVideos returns the video hits for query in result order.
func (c *Client) SearchVideos(ctx context.Context, query string) ([]crawler.Video, error) {
	params := url.Values{}
	params.Set("keyword", query)

	env, err := c.get(ctx, searchPath, params, true)
	if err != nil {
		return nil, err
	}
	if *env.Code != 0 {
		return nil, &crawler.APIError{Code: *env.Code, Message: env.Message}
	}
	var data searchData
	if err := decode(env.Data, &data); err != nil {
		return nil, err
	}
	var videos []crawler.Video
	for _, group := range data.Result {
		if group.ResultType != "video" {
			continue
		}
		for _, raw := range group.Data {
			var v searchVideo
			if err := json.Unmarshal(raw, &v); err != nil {
				c.logger.Warn("skipping malformed search hit", zap.Error(err))
				continue
			}
			id := v.ID
			if id == 0 {
				id = v.AID
			}
			if id == 0 {
				continue
			}
			videos = append(videos, crawler.Video{ID: id, Title: PlainTitle(v.Title)})
		}
	}
	return videos, nil
}

// PaginationString encodes a cursor as the pagination_str parameter.
func PaginationString(cursor string) string {
	return `{"offset":"` + strings.ReplaceAll(cursor, `"`, `\"`) + `"}`
}

// PlainTitle strips search highlight markup such as <em class="keyword">.
func PlainTitle(title string) string {
	if !strings.ContainsAny(title, "<&") {
		return title
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(title))
	if err != nil {
		return title
	}
	return strings.TrimSpace(doc.Text())
}

func (c *Client) get(ctx context.Context, path string, params url.Values, withCookies bool) (envelope, error) {
	req := crawler.FetchRequest{
		URL:     c.cfg.APIBase + path,
		Params:  params,
		Headers: CommonHeaders(c.cfg.UserAgent),
		Timeout: c.cfg.Timeout,
	}
	if withCookies && c.credential != nil {
		req.Cookies = c.credential.Cookies()
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := decode(resp.Body, &env); err != nil {
		return envelope{}, fmt.Errorf("%s: %w", path, err)
	}
	if env.Code == nil {
		return envelope{}, fmt.Errorf("%s: %w: missing code", path, crawler.ErrMalformedResponse)
	}
	return env, nil
}

func decode(body []byte, v any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return fmt.Errorf("decode: %w: empty body", crawler.ErrMalformedResponse)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode: %w: %w", crawler.ErrMalformedResponse, err)
	}
	return nil
}
