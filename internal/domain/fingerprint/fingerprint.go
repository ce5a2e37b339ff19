// Package fingerprint derives stable identity keys for page states.
package fingerprint

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"browser-swarm/internal/domain/entity"

	"github.com/cespare/xxhash/v2"
)

const maxTextSignature = 2048

var digitRuns = regexp.MustCompile(`[0-9]+`)

// Page returns the fingerprint of an observed page state.
func Page(state *entity.PageState) entity.PageFingerprint {
	d := xxhash.New()
	_, _ = d.WriteString(NormalizeURL(state.URL))
	_, _ = d.WriteString("\x1e")
	_, _ = d.WriteString(Structure(state.Elements))
	_, _ = d.WriteString("\x1e")
	_, _ = d.WriteString(TextSignature(state.Text))
	return entity.PageFingerprint(fmt.Sprintf("%016x", d.Sum64()))
}

// Structure hashes the interactive skeleton of a page. Visible labels are
// left out so that live counters on buttons do not split a state.
func Structure(elements []entity.Element) string {
	d := xxhash.New()
	for _, el := range elements {
		_, _ = d.WriteString(string(el.Kind))
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(NormalizeURL(el.Href))
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(el.Name)
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(el.InputType)
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(el.Role)
		_, _ = d.WriteString("\n")
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// TextSignature collapses whitespace, lower-cases and masks digit runs so
// timestamps and counters do not change the identity of a page.
func TextSignature(text string) string {
	sig := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sig = digitRuns.ReplaceAllString(sig, "#")
	if len(sig) > maxTextSignature {
		sig = sig[:maxTextSignature]
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(sig))
}

// NormalizeURL canonicalizes a URL for identity purposes. Unparseable input is
// returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		vals := q[key]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	u.RawQuery = strings.Join(parts, "&")
	u.ForceQuery = false

	return u.String()
}
