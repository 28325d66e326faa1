package tools

import (
	"net"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// EgressAllowlistValidator gates which external hosts network-capable tools
// may contact.
//
// No agent config at all means deny everything. A config whose allowlist is
// empty means allow everything. The two defaults are intentionally
// asymmetric; callers should not "fix" this.
type EgressAllowlistValidator struct {
	cfg *store.AgentConfig
}

func NewEgressValidator(cfg *store.AgentConfig) *EgressAllowlistValidator {
	return &EgressAllowlistValidator{cfg: cfg}
}

// HostAllowed checks a bare hostname against the allowlist. Entries are
// either literal hosts or `*.suffix` wildcards; a wildcard matches the bare
// suffix domain and any subdomain.
func (v *EgressAllowlistValidator) HostAllowed(host string) bool {
	if v.cfg == nil {
		return false
	}
	if len(v.cfg.EgressAllowlist) == 0 {
		return true
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, entry := range v.cfg.EgressAllowlist {
		entry = strings.ToLower(entry)
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// URLAllowed parses rawURL and checks its host.
func (v *EgressAllowlistValidator) URLAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return v.HostAllowed(host)
}
