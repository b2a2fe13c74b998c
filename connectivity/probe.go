package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/miekg/dns"
)

// Probe checks one aspect of reachability.
type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// DNSProbe resolves Name against Server ("host:port").
type DNSProbe struct {
	Server string
	Name   string
	Client *dns.Client
}

func (p DNSProbe) Check(ctx context.Context) error {
	c := p.Client
	if c == nil {
		c = &dns.Client{Timeout: 2 * time.Second}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.Name), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := c.ExchangeContext(ctx, m, p.Server)
	if err != nil {
		return fmt.Errorf("dns probe %s: %w", p.Name, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dns probe %s: %s", p.Name, dns.RcodeToString[r.Rcode])
	}
	if len(r.Answer) == 0 {
		return fmt.Errorf("dns probe %s: no answer", p.Name)
	}
	return nil
}

// HTTPProbe issues a HEAD request; any non 5xx answer counts as online.
type HTTPProbe struct {
	URL    string
	client *resty.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 1
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(5*time.Second).
		SetHeader("User-Agent", "ponyproxy-connectivity/1.0")

	return &HTTPProbe{URL: url, client: client}
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	resp, err := p.client.R().SetContext(ctx).Head(p.URL)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", p.URL, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("http probe %s: %s", p.URL, resp.Status())
	}
	return nil
}
