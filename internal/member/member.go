// Package member defines council member records and the provider tags that
// select an invocation backend for them.
package member

import (
	"fmt"
	"strings"
)

// Provider identifies the invocation backend for a member.
type Provider string

const (
	// ProviderOpenCode invokes models through the OpenCode CLI.
	ProviderOpenCode Provider = "opencode"
)

// ErrUnknownProvider is returned when a member spec names an unsupported provider.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// Member is one configured council participant. Members are immutable and
// identified throughout a session by their 0-based position in the configured
// member list; duplicate model names are permitted and distinguished by
// position only.
type Member struct {
	Provider    Provider
	Model       string
	DisplayName string
}

// Parse builds a Member from a spec string of the form
// "provider/model" (e.g. "opencode/anthropic/claude-sonnet-4"). The
// provider prefix is optional and defaults to opencode; everything after it
// is the model identifier passed to the backend. The display name is the
// full spec as configured.
func Parse(spec string) (Member, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Member{}, fmt.Errorf("empty member spec")
	}

	provider := ProviderOpenCode
	model := spec

	if head, rest, ok := strings.Cut(spec, "/"); ok {
		switch Provider(strings.ToLower(head)) {
		case ProviderOpenCode:
			provider = ProviderOpenCode
			model = rest
		default:
			// No recognized prefix: the whole spec is the model and the
			// default provider applies.
		}
	}

	if model == "" {
		return Member{}, fmt.Errorf("member spec %q has no model", spec)
	}

	return Member{
		Provider:    provider,
		Model:       model,
		DisplayName: spec,
	}, nil
}

// ParseAll parses a list of member specs, preserving order.
func ParseAll(specs []string) ([]Member, error) {
	members := make([]Member, 0, len(specs))
	for i, spec := range specs {
		m, err := Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		members = append(members, m)
	}
	return members, nil
}

// SafeID returns a filesystem- and branch-safe identifier for the member at
// the given session index: "member_<index>_<model>" with path separators and
// colons replaced.
func (m Member) SafeID(index int) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(m.Model)
	return fmt.Sprintf("member_%d_%s", index, safe)
}

func (m Member) String() string {
	return m.DisplayName
}
