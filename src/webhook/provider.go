package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Provider is a supported webhook source.
type Provider int

const (
	ProviderStripe Provider = iota
	ProviderGitHub
	ProviderSlack
	ProviderTwilio
	ProviderSendGrid
	ProviderCustom

	providerCount
)

var providerNames = [...]string{
	ProviderStripe:   "stripe",
	ProviderGitHub:   "github",
	ProviderSlack:    "slack",
	ProviderTwilio:   "twilio",
	ProviderSendGrid: "sendgrid",
	ProviderCustom:   "custom",
}

// rules locates the tenant, event type and event id inside a provider
// payload. Paths are dot separated and tried in order. eventIDParts lists
// alternative compound ids, used when no single field names one delivery.
type rules struct {
	tenant       []string
	eventType    []string
	eventID      []string
	eventIDParts [][]string
}

var providerRules = [...]rules{
	ProviderStripe: {
		tenant:    []string{"account"},
		eventType: []string{"type"},
		eventID:   []string{"id"},
	},
	// hook_id names the configured hook, not a delivery; the id comes from
	// the X-GitHub-Delivery header.
	ProviderGitHub: {
		tenant:    []string{"organization.id"},
		eventType: []string{"action"},
	},
	ProviderSlack: {
		tenant:    []string{"team_id"},
		eventType: []string{"event.type", "type"},
		eventID:   []string{"event_id"},
	},
	// Every status callback of one message shares its MessageSid.
	ProviderTwilio: {
		tenant:    []string{"AccountSid"},
		eventType: []string{"EventType", "MessageStatus"},
		eventIDParts: [][]string{
			{"MessageSid", "MessageStatus"},
			{"CallSid", "CallStatus"},
		},
	},
	ProviderSendGrid: {
		eventType: []string{"event"},
		eventID:   []string{"sg_event_id"},
	},
	ProviderCustom: {
		tenant:    []string{"tenant_id"},
		eventType: []string{"type"},
		eventID:   []string{"id"},
	},
}

// Adding a provider without a name and rules entry fails to compile.
var (
	_ [int(providerCount) - len(providerNames)]struct{}
	_ [len(providerNames) - int(providerCount)]struct{}
	_ [int(providerCount) - len(providerRules)]struct{}
	_ [len(providerRules) - int(providerCount)]struct{}
)

// fallbackTenantFields is tried when the provider rule finds nothing.
var fallbackTenantFields = []string{"tenant_id", "tenantId", "account_id", "organization_id", "org_id", "team_id"}

const defaultEventTypeField = "type"

// Providers lists every supported provider.
func Providers() []Provider {
	out := make([]Provider, 0, providerCount)
	for p := Provider(0); p < providerCount; p++ {
		out = append(out, p)
	}
	return out
}

// ParseProvider resolves a provider by its lowercase name.
func ParseProvider(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range providerNames {
		if n == name {
			return Provider(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

func (p Provider) String() string {
	if p < 0 || p >= providerCount {
		return "Provider(" + strconv.Itoa(int(p)) + ")"
	}
	return providerNames[p]
}

func (p Provider) MarshalText() ([]byte, error) {
	if p < 0 || p >= providerCount {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProvider, int(p))
	}
	return []byte(providerNames[p]), nil
}

func (p *Provider) UnmarshalText(text []byte) error {
	parsed, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Provider) rules() rules { return providerRules[p] }

// lookupEventID returns the payload id of one delivery, if the provider has one.
func (r rules) lookupEventID(payload map[string]any) (string, bool) {
	if id, ok := lookup(payload, r.eventID...); ok {
		return id, true
	}
	for _, parts := range r.eventIDParts {
		if id, ok := lookupJoined(payload, parts); ok {
			return id, true
		}
	}
	return "", false
}

// lookup returns the first non-empty scalar found at any of paths.
func lookup(payload map[string]any, paths ...string) (string, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(payload, path); ok {
			return v, true
		}
	}
	return "", false
}

// lookupJoined resolves every path and joins the values with ':'.
func lookupJoined(payload map[string]any, paths []string) (string, bool) {
	values := make([]string, 0, len(paths))
	for _, path := range paths {
		v, ok := lookupPath(payload, path)
		if !ok {
			return "", false
		}
		values = append(values, v)
	}
	return strings.Join(values, ":"), len(values) > 0
}

func lookupPath(payload map[string]any, path string) (string, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[key]; !ok {
			return "", false
		}
	}
	return scalar(cur)
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
