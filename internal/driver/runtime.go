package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"modwarden/pkg/warden"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the stable configured driver instance identifier.
	Name string
	// Type identifies which builder should construct this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores driver-type-specific JSON payload.
	Config []byte
}

// Ports bundles the platform services a driver runtime offers to modules.
type Ports struct {
	AuditLog         warden.AuditLog
	AttachmentStore  warden.AttachmentStore
	PermissionEditor warden.PermissionEditor
	LogSink          warden.LogSink
	Identity         warden.Identity
}

func (p Ports) empty() bool {
	return p.AuditLog == nil &&
		p.AttachmentStore == nil &&
		p.PermissionEditor == nil &&
		p.LogSink == nil &&
		p.Identity == nil
}

// Register publishes every non-nil port under its well-known service name.
func (p Ports) Register(registry warden.ServiceRegistry) error {
	entries := []struct {
		name    string
		service any
	}{
		{name: warden.ServiceAuditLog, service: p.AuditLog},
		{name: warden.ServiceAttachmentStore, service: p.AttachmentStore},
		{name: warden.ServicePermissionEditor, service: p.PermissionEditor},
		{name: warden.ServiceLogSink, service: p.LogSink},
		{name: warden.ServiceIdentity, service: p.Identity},
	}
	for _, entry := range entries {
		if entry.service == nil {
			continue
		}
		if err := registry.Register(entry.name, entry.service); err != nil {
			return fmt.Errorf("register port %s: %w", entry.name, err)
		}
	}

	return nil
}

// Runtime contains one fully built driver runtime instance.
type Runtime struct {
	// Name is the configured driver instance name.
	Name string
	// Platform identifies the platform behind Driver.
	Platform warden.Platform
	// Driver is the inbound runtime implementation registered with kernel.
	Driver warden.Driver
	// Ports are the outbound platform services of this runtime.
	Ports Ports
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor binds one driver type token to platform metadata and a runtime builder.
type Descriptor struct {
	// Type is the driver type token from configuration (for example "telegram").
	Type string
	// Platform is the neutral platform for this driver type.
	Platform warden.Platform
	// Builder constructs one runtime instance for this driver type.
	Builder BuilderFunc
}

type registryEntry struct {
	platform warden.Platform
	builder  BuilderFunc
}

// Registry maps driver types to runtime builders and type-level platform metadata.
type Registry struct {
	entries map[string]registryEntry
	types   []string
}

// NewRegistry creates one immutable driver registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	entries := make(map[string]registryEntry, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Platform == "" {
			return nil, fmt.Errorf("new registry type %s: empty platform", descriptor.Type)
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := entries[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		entries[descriptor.Type] = registryEntry{
			platform: descriptor.Platform,
			builder:  descriptor.Builder,
		}
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		entries: entries,
		types:   types,
	}, nil
}

// Types returns all registered driver types in deterministic sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// PlatformForType resolves one registered driver type to its platform.
func (r *Registry) PlatformForType(driverType string) (warden.Platform, error) {
	if r == nil {
		return "", fmt.Errorf("resolve platform: nil registry")
	}

	entry, exists := r.entries[driverType]
	if !exists {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return entry.platform, nil
}

// BuildEnabled builds all enabled driver definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}

	runtimes := make([]Runtime, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build driver %s: empty type", definition.Name)
		}

		entry, exists := r.entries[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build driver %s type %s: unsupported type", definition.Name, definition.Type)
		}

		runtime, err := entry.builder(ctx, definition, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
		}
		if runtime.Driver == nil {
			return nil, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
		}
		if runtime.Name == "" {
			runtime.Name = definition.Name
		}
		if runtime.Platform == "" {
			runtime.Platform = entry.platform
		}

		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

// SelectPorts returns the ports of the one runtime that offers any. Modules
// address tenants without naming a driver, so two port providers would be
// ambiguous.
func SelectPorts(runtimes []Runtime) (Ports, error) {
	var (
		selected Ports
		owner    string
	)
	for _, runtime := range runtimes {
		if runtime.Ports.empty() {
			continue
		}
		if owner != "" {
			return Ports{}, fmt.Errorf("select ports: drivers %s and %s both provide ports", owner, runtime.Name)
		}
		selected = runtime.Ports
		owner = runtime.Name
	}
	if owner == "" {
		return Ports{}, fmt.Errorf("select ports: no enabled driver provides ports")
	}

	return selected, nil
}
