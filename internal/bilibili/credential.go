package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

const (
	// DefaultPassportBase hosts the cookie status endpoint.
	DefaultPassportBase = "https://passport.bilibili.com"

	cookieInfoPath = "/x/passport-login/web/cookie/info"
)

// ErrRefreshUnsupported is returned when expired cookies cannot be renewed
// without an interactive login.
var ErrRefreshUnsupported = errors.New("cookie refresh requires an interactive login")

// Cookies holds the login cookies of one account.
type Cookies struct {
	SESSDATA    string
	BiliJct     string
	Buvid3      string
	DedeUserID  string
	ACTimeValue string
}

// StaticCredential serves a fixed cookie set and asks the passport service
// whether it is still valid.
type StaticCredential struct {
	cookies      Cookies
	fetcher      crawler.Fetcher
	passportBase string
	userAgent    string
	timeout      time.Duration
}

var _ crawler.Credential = (*StaticCredential)(nil)

// NewStaticCredential builds a credential. With an empty SESSDATA it acts
// anonymously and never needs a refresh.
func NewStaticCredential(cookies Cookies, fetcher crawler.Fetcher, passportBase, userAgent string, timeout time.Duration) *StaticCredential {
	if passportBase == "" {
		passportBase = DefaultPassportBase
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &StaticCredential{
		cookies:      cookies,
		fetcher:      fetcher,
		passportBase: strings.TrimRight(passportBase, "/"),
		userAgent:    userAgent,
		timeout:      timeout,
	}
}

// Anonymous reports whether no login cookie is configured.
func (c *StaticCredential) Anonymous() bool {
	return c.cookies.SESSDATA == ""
}

// Cookies returns the non-empty login cookies.
func (c *StaticCredential) Cookies() []*http.Cookie {
	pairs := []struct{ name, value string }{
		{"SESSDATA", c.cookies.SESSDATA},
		{"bili_jct", c.cookies.BiliJct},
		{"buvid3", c.cookies.Buvid3},
		{"DedeUserID", c.cookies.DedeUserID},
		{"ac_time_value", c.cookies.ACTimeValue},
	}
	out := make([]*http.Cookie, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: p.name, Value: p.value})
	}
	return out
}

// NeedsRefresh asks the passport service whether the cookies are expiring.
func (c *StaticCredential) NeedsRefresh(ctx context.Context) (bool, error) {
	if c.Anonymous() {
		return false, nil
	}
	params := url.Values{}
	params.Set("csrf", c.cookies.BiliJct)
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     c.passportBase + cookieInfoPath,
		Params:  params,
		Headers: CommonHeaders(c.userAgent),
		Cookies: c.Cookies(),
		Timeout: c.timeout,
	})
	if err != nil {
		return false, fmt.Errorf("check cookie: %w", err)
	}
	var env envelope
	if err := decode(resp.Body, &env); err != nil {
		return false, fmt.Errorf("check cookie: %w", err)
	}
	if env.Code == nil {
		return false, fmt.Errorf("check cookie: %w: missing code", crawler.ErrMalformedResponse)
	}
	if *env.Code != 0 {
		return false, fmt.Errorf("check cookie: %w", &crawler.APIError{Code: *env.Code, Message: env.Message})
	}
	var info cookieInfo
	if err := decode(env.Data, &info); err != nil {
		return false, fmt.Errorf("check cookie: %w", err)
	}
	return info.Refresh, nil
}

// Refresh always fails: renewing cookies needs the browser login flow.
func (c *StaticCredential) Refresh(context.Context) error {
	return ErrRefreshUnsupported
}
