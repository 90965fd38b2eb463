package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
)

var errNoPolicy = errors.New("module has no policy")

// require links name to the module at manifestURL. A name that is already
// loading or linked is left alone. Failure is reported to the internal
// environment as require.failure and allows a later retry.
func (m *Module) require(name, manifestURL string) {
	if m.dependants[name] {
		m.debugf("dependency already required", "name", name)
		return
	}
	m.dependants[name] = true
	m.addDependency(manifestURL, name, func(err error) {
		if _, bound := m.external.channel(name); !bound {
			delete(m.dependants, name)
		}
		m.whenModInternal(func() {
			m.toPort(m.modInternal, message.Message{
				message.KeyType:  message.TypeRequireFailure,
				message.KeyID:    name,
				message.KeyError: err.Error(),
			})
		})
	})
}

// addDependency resolves url against this module's manifest, asks the
// policy for the module it names and requests a link to it under name.
func (m *Module) addDependency(url, name string, onError func(error)) {
	policy := m.policy
	lineage := m.Lineage()
	go func() {
		dep, err := m.loadDependency(policy, lineage, url)
		m.post(func() {
			if m.state == Stopped {
				return
			}
			if err != nil {
				m.debug.Warn("failed to load dependency", "module", m.String(), "name", name, "error", err)
				m.host.Metrics.DependencyFailed()
				onError(err)
				return
			}
			m.updateEnv(name, dep.Manifest())
			m.emit(m.controlChannel, message.Message{
				message.KeyType:         "Link to " + name,
				message.KeyRequest:      message.RequestLink,
				message.KeyName:         name,
				message.KeyOverrideDest: name + "." + m.id,
				message.KeyTo:           dep,
			})
		})
	}()
}

func (m *Module) loadDependency(policy Policy, lineage []string, url string) (*Module, error) {
	if policy == nil {
		return nil, errNoPolicy
	}
	ctx, cancel := m.resolveContext()
	defer cancel()

	resolved, err := m.resolveURL(ctx, url)
	if err != nil {
		return nil, err
	}
	dep, err := policy.Get(ctx, lineage, resolved)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", resolved, err)
	}
	return dep, nil
}

func (m *Module) resolveURL(ctx context.Context, ref string) (string, error) {
	if m.host.Resource == nil {
		return ref, nil
	}
	url, err := m.host.Resource.Resolve(ctx, m.manifestID, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return url, nil
}

// loadLinks requests links for the module's capabilities and prepares the
// routing tables for "default", every capability and every declared
// dependency.
func (m *Module) loadLinks() {
	channels := []string{message.FlowDefault}
	seen := map[string]bool{message.FlowDefault: true}

	for _, name := range m.manifest.CapabilityPermissions() {
		if seen[name] {
			continue
		}
		seen[name] = true
		channels = append(channels, name)
		m.dependants[name] = true
		m.linkCapability(name)
	}

	for _, name := range m.manifest.DependencyNames() {
		if !seen[name] {
			seen[name] = true
			channels = append(channels, name)
		}
		url := m.manifest.Dependencies[name].URL
		m.dependencyURLs[name] = url
		m.preloadManifest(name, url)
	}

	for _, name := range channels {
		if !m.external.has(name) {
			m.external.expect(name)
		}
		m.internal.expect(name)
	}
}

func (m *Module) linkCapability(name string) {
	if m.host.Capabilities == nil {
		m.debug.Warn("no capabilities available", "module", m.String(), "name", name)
		return
	}
	provider, err := m.host.Capabilities.Provide(name, m)
	if err != nil {
		m.debug.Warn("capability unavailable", "module", m.String(), "name", name, "error", err)
		return
	}
	m.emit(m.controlChannel, message.Message{
		message.KeyType:    "Core Link to " + name,
		message.KeyRequest: message.RequestLink,
		message.KeyName:    name,
		message.KeyTo:      provider,
	})
}

// preloadManifest fetches a declared dependency's manifest so the module
// learns its API before the dependency is first used.
func (m *Module) preloadManifest(name, url string) {
	policy := m.policy
	if policy == nil {
		return
	}
	go func() {
		ctx, cancel := m.resolveContext()
		defer cancel()
		var mf *manifest.Manifest
		resolved, err := m.resolveURL(ctx, url)
		if err == nil {
			mf, err = policy.LoadManifest(ctx, resolved)
		}
		m.post(func() {
			if err != nil {
				m.debugf("dependency manifest unavailable", "name", name, "error", err)
				return
			}
			m.updateEnv(name, mf)
		})
	}()
}

// updateEnv tells the internal environment about a dependency's manifest.
func (m *Module) updateEnv(name string, mf *manifest.Manifest) {
	if mf == nil {
		return
	}
	m.whenModInternal(func() {
		m.toPort(m.modInternal, message.Message{
			message.KeyType:     message.TypeManifest,
			message.KeyName:     name,
			message.KeyManifest: mf.Metadata(),
		})
	})
}
