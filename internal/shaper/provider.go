package shaper

import (
	"net/http"
	"strings"
)

// Provider is an upstream AI vendor the proxy knows how to authenticate to.
type Provider int

const (
	// Custom means the key's own target URL; no provider auth is applied.
	Custom Provider = iota
	OpenAI
	Anthropic
	Groq
	OpenRouter
)

type providerInfo struct {
	Name         string
	BaseURL      string
	AuthHeader   string
	Scheme       string // prefix before the credential, empty for raw
	KeyPrefix    string // credentials without this prefix are dropped from the pool
	ExtraHeaders map[string]string
}

var providers = map[Provider]providerInfo{
	OpenAI: {
		Name:       "openai",
		BaseURL:    "https://api.openai.com/v1",
		AuthHeader: "Authorization",
		Scheme:     "Bearer ",
	},
	Anthropic: {
		Name:         "anthropic",
		BaseURL:      "https://api.anthropic.com/v1",
		AuthHeader:   "x-api-key",
		ExtraHeaders: map[string]string{"anthropic-version": "2023-06-01"},
	},
	Groq: {
		Name:       "groq",
		BaseURL:    "https://api.groq.com/openai/v1",
		AuthHeader: "Authorization",
		Scheme:     "Bearer ",
		KeyPrefix:  "gsk_",
	},
	OpenRouter: {
		Name:       "openrouter",
		BaseURL:    "https://openrouter.ai/api/v1",
		AuthHeader: "Authorization",
		Scheme:     "Bearer ",
	},
}

// Providers lists every named provider in a stable order.
func Providers() []Provider {
	return []Provider{OpenAI, Anthropic, Groq, OpenRouter}
}

// ParseProvider maps a path segment to a provider. Unknown names report false.
func ParseProvider(name string) (Provider, bool) {
	name = strings.ToLower(name)
	for p, info := range providers {
		if info.Name == name {
			return p, true
		}
	}
	return Custom, false
}

// String returns the provider's path name, or "custom".
func (p Provider) String() string {
	if info, ok := providers[p]; ok {
		return info.Name
	}
	return "custom"
}

// BaseURL returns the provider's API root.
func (p Provider) BaseURL() string {
	return providers[p].BaseURL
}

// KeyPrefix returns the required credential prefix, if any.
func (p Provider) KeyPrefix() string {
	return providers[p].KeyPrefix
}

// ApplyAuth sets the provider's authentication headers on h.
func (p Provider) ApplyAuth(h http.Header, credential string) {
	info, ok := providers[p]
	if !ok || credential == "" {
		return
	}
	h.Set(info.AuthHeader, info.Scheme+credential)
	for k, v := range info.ExtraHeaders {
		h.Set(k, v)
	}
}

// TargetURL joins the provider base URL with rest and the raw query.
func (p Provider) TargetURL(rest, rawQuery string) string {
	return JoinURL(p.BaseURL(), rest, rawQuery)
}

// JoinURL appends rest to base with exactly one slash between them, then
// the query string if any.
func JoinURL(base, rest, rawQuery string) string {
	u := base
	if rest != "" && rest != "/" {
		u = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rest, "/")
	}
	if rawQuery != "" {
		if strings.Contains(u, "?") {
			u += "&" + rawQuery
		} else {
			u += "?" + rawQuery
		}
	}
	return u
}
