// Package policy decides how module instances are created: it loads their
// manifests and refuses dependency chains that would load a module inside
// itself.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/module"
)

var ErrCycle = errors.New("dependency cycle")

// Fetcher reads the document at an absolute URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Policy struct {
	fetch Fetcher
	host  module.Host
	log   *zap.Logger
}

// New returns a policy that builds modules with host. host.Policy is set
// to the returned policy.
func New(fetch Fetcher, host module.Host) *Policy {
	p := &Policy{fetch: fetch, log: host.Logger}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	host.Policy = p
	p.host = host
	return p
}

// LoadManifest fetches and parses the manifest at url.
func (p *Policy) LoadManifest(ctx context.Context, url string) (*manifest.Manifest, error) {
	data, err := p.fetch.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	mf, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", url, err)
	}
	return mf, nil
}

// Get creates a module for url on behalf of the module whose lineage is
// given.
func (p *Policy) Get(ctx context.Context, lineage []string, url string) (*module.Module, error) {
	for i, ancestor := range lineage {
		if ancestor == url {
			chain := append([]string{url}, lineage[:i+1]...)
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(chain, " <- "))
		}
	}
	mf, err := p.LoadManifest(ctx, url)
	if err != nil {
		return nil, err
	}
	m := module.New(url, mf, lineage, p.host)
	p.log.Debug("created module", zap.String("module", m.String()), zap.String("id", m.ID()))
	return m, nil
}
