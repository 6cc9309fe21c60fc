package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Prober fetches /status from a candidate.
type Prober struct {
	Client *http.Client
}

func (p *Prober) client() *http.Client {
	if p == nil || p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

// Probe returns the candidate's status payload. Any transport error, non-2xx
// answer or envelope whose status is not "success" is an error.
func (p *Prober) Probe(ctx context.Context, baseURL string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Status{}, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return Status{}, fmt.Errorf("%w: decode: %v", ErrBadStatus, err)
	}
	if env.Status != "success" {
		return Status{}, fmt.Errorf("%w: envelope status %q", ErrBadStatus, env.Status)
	}
	var st Status
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return Status{}, fmt.Errorf("%w: data: %v", ErrBadStatus, err)
	}
	return st, nil
}
