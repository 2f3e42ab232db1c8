package warden

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("warden: invalid event")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("warden: subscription closed")
	// ErrInvalidSubscription indicates an unsupported subscription configuration.
	ErrInvalidSubscription = errors.New("warden: invalid subscription")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("warden: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("warden: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("warden: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("warden: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("warden: driver already registered")
	// ErrAttachmentTooLarge indicates an attachment above the re-upload ceiling.
	ErrAttachmentTooLarge = errors.New("warden: attachment exceeds upload ceiling")
	// ErrUnknownChannel indicates that a platform adapter cannot address a channel.
	ErrUnknownChannel = errors.New("warden: unknown channel")
	// ErrRateLimited indicates that the platform refused a call until a cool-down elapses.
	ErrRateLimited = errors.New("warden: rate limited by platform")
	// ErrMissingPermission indicates that the bot lacks rights for a platform operation.
	ErrMissingPermission = errors.New("warden: missing permission")
	// ErrCasePersist indicates that a case number could not be persisted.
	ErrCasePersist = errors.New("warden: case number persist failed")
)
