package discovery

import "context"

// StaticSource returns a fixed list of addresses, e.g. from --peer flags.
type StaticSource []string

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Register(context.Context, Self) error { return nil }

func (s StaticSource) Lookup(_ context.Context, port int) ([]string, error) {
	out := make([]string, 0, len(s))
	for _, a := range s {
		out = append(out, BaseURL(a, port))
	}
	return out, nil
}

func (s StaticSource) Close() error { return nil }
