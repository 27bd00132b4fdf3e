package fetcher

import "net/http"

// Identity is one browser-like header set presented to a source.
type Identity struct {
	UserAgent      string
	AcceptLanguage string
	Accept         string
}

// Header renders the identity as request headers.
func (id Identity) Header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept-Language", id.AcceptLanguage)
	h.Set("Accept", id.Accept)
	return h
}

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// DefaultIdentities is the rotation pool used when none is configured.
var DefaultIdentities = []Identity{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		AcceptLanguage: "sk-SK,sk;q=0.9,cs;q=0.8,en-US;q=0.7,en;q=0.6",
		Accept:         acceptHTML,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		AcceptLanguage: "sk-SK,sk;q=0.9,en;q=0.8",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:130.0) Gecko/20100101 Firefox/130.0",
		AcceptLanguage: "sk,en-US;q=0.7,en;q=0.3",
		Accept:         acceptHTML,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36 Edg/127.0.0.0",
		AcceptLanguage: "sk-SK,sk;q=0.8,en-GB;q=0.6,en;q=0.4",
		Accept:         acceptHTML,
	},
	{
		UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
		AcceptLanguage: "sk-SK,sk;q=0.9",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	},
}
