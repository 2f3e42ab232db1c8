package warden

import (
	"fmt"
)

// Canonical service registry keys shared by drivers, modules, and cmd wiring.
const (
	// ServiceLogger resolves the process *slog.Logger.
	ServiceLogger = "logger"
	// ServiceAuditLog resolves the platform AuditLog.
	ServiceAuditLog = "warden.audit_log"
	// ServiceAttachmentStore resolves the platform AttachmentStore.
	ServiceAttachmentStore = "warden.attachment_store"
	// ServicePermissionEditor resolves the platform PermissionEditor.
	ServicePermissionEditor = "warden.permission_editor"
	// ServiceLogSink resolves the LogSink receiving formatted records.
	ServiceLogSink = "warden.log_sink"
	// ServiceIdentity resolves the Identity of the bot account.
	ServiceIdentity = "warden.identity"
	// ServiceCaseCounter resolves the CaseNumbers service.
	ServiceCaseCounter = "warden.case_counter"
	// ServiceSlowMode resolves the SlowModeController exposed by the slow mode module.
	ServiceSlowMode = "warden.slow_mode"
	// ServiceTempFiles resolves the TempFileCleaner that owns deferred file removal.
	ServiceTempFiles = "warden.temp_files"
)

// ServiceRegistry provides runtime dependency injection to modules and drivers.
type ServiceRegistry interface {
	// Register binds a singleton service value to a stable name.
	Register(name string, service any) error
	// Resolve returns a registered service by name.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and casts it to the requested type.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: has type %T", name, service)
	}

	return typed, nil
}
