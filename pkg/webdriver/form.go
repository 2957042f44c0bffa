package webdriver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// FormDriver fills the proxy's HTML forms over plain HTTP with a cookie jar.
type FormDriver struct {
	Email    string
	Password string

	// Register signs up a new identity instead of logging in.
	Register bool

	// Client defaults to a client with a fresh cookie jar.
	Client *http.Client
}

// page is a fetched HTML document and the URL it was served from.
type page struct {
	url *url.URL
	doc *goquery.Document
}

func (d *FormDriver) Complete(ctx context.Context, consoleURL string) error {
	client := d.Client
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}

	p, err := d.get(ctx, client, consoleURL)
	if err != nil {
		return err
	}

	if d.Register {
		link, ok := p.doc.Find(`[data-testid="cta-link"]`).Attr("href")
		if !ok {
			return fmt.Errorf("webdriver: no registration link at %s", p.url)
		}
		if p, err = d.get(ctx, client, p.resolve(link)); err != nil {
			return err
		}
		p, err = d.submit(ctx, client, p, `form[data-testid="registration-form"]`, url.Values{
			"traits.email": {d.Email},
			"password":     {d.Password},
		})
	} else {
		p, err = d.submit(ctx, client, p, `form[data-testid="login-form"]`, url.Values{
			"identifier": {d.Email},
			"password":   {d.Password},
		})
	}
	if err != nil {
		return err
	}

	if p.doc.Find(`[data-testid="consent-allow"]`).Length() == 0 {
		return fmt.Errorf("webdriver: expected the consent page, got %s", p.url)
	}
	_, err = d.submit(ctx, client, p, `form:has([data-testid="consent-allow"])`, url.Values{"consent": {"allow"}})
	return err
}

func (d *FormDriver) get(ctx context.Context, client *http.Client, target string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	return d.do(client, req)
}

// submit posts the form matched by selector with its hidden inputs plus fields.
func (d *FormDriver) submit(ctx context.Context, client *http.Client, p *page, selector string, fields url.Values) (*page, error) {
	form := p.doc.Find(selector).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("webdriver: no form %s at %s", selector, p.url)
	}
	values := url.Values{}
	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		if t, _ := in.Attr("type"); t == "password" {
			return
		}
		values.Set(name, in.AttrOr("value", ""))
	})
	for k, v := range fields {
		values[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.resolve(form.AttrOr("action", "")), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	return d.do(client, req)
}

func (d *FormDriver) do(client *http.Client, req *http.Request) (*page, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdriver: %s %s: %w", req.Method, req.URL, err)
	}
	defer res.Body.Close()

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("webdriver: failed to parse %s: %w", res.Request.URL, err)
	}
	if msg := strings.TrimSpace(doc.Find(`[data-testid="ui/message/error"]`).First().Text()); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrFlowRejected, msg)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("webdriver: %s %s returned %d", req.Method, res.Request.URL, res.StatusCode)
	}
	return &page{url: res.Request.URL, doc: doc}, nil
}

func (p *page) resolve(ref string) string {
	u, err := p.url.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
