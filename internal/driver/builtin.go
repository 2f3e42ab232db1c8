package driver

import (
	"context"
	"fmt"
	"log/slog"

	"modwarden/internal/driver/telegram"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     telegram.DriverType,
			Platform: telegram.DriverPlatform,
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				runtimeDriver, gateway, err := telegram.BuildRuntimeFromConfig(
					definition.Name,
					builderLogger,
					definition.Config,
				)
				if err != nil {
					return Runtime{}, fmt.Errorf("build telegram runtime from config: %w", err)
				}

				return Runtime{
					Name:     definition.Name,
					Platform: telegram.DriverPlatform,
					Driver:   runtimeDriver,
					Ports: Ports{
						AuditLog:         gateway,
						AttachmentStore:  gateway,
						PermissionEditor: gateway,
						LogSink:          gateway,
						Identity:         gateway,
					},
				}, nil
			},
		},
	})
}
