package telegram

import (
	"context"
	"fmt"
)

// UpdateHandler consumes one mapped Telegram update.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Telegram updates into the driver.
type UpdateSource interface {
	// Consume runs the update loop until context cancellation or fatal error.
	Consume(ctx context.Context, handler UpdateHandler) error
}

// Session runs fn inside a connected, authenticated userbot session.
type Session interface {
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// RawUpdates exposes the raw updates queued during a session.
type RawUpdates interface {
	Updates(ctx context.Context) (<-chan any, error)
}

// UpdateMapper turns one raw update into an adapter update. accepted is false
// for updates that carry nothing to audit.
type UpdateMapper interface {
	Map(ctx context.Context, raw any) (update Update, accepted bool, err error)
}

// SessionSourceOption mutates a SessionSource.
type SessionSourceOption func(*SessionSource)

// WithSkipHandler receives the error of every update that could not be
// mapped. Such updates are skipped.
func WithSkipHandler(handler func(context.Context, error)) SessionSourceOption {
	return func(source *SessionSource) {
		if handler != nil {
			source.onSkip = handler
		}
	}
}

// SessionSource forwards the updates of a live userbot session.
type SessionSource struct {
	session Session
	raw     RawUpdates
	mapper  UpdateMapper
	onSkip  func(context.Context, error)
}

// NewSessionSource creates a source over session, reading raw and mapping
// each update with mapper.
func NewSessionSource(session Session, raw RawUpdates, mapper UpdateMapper, options ...SessionSourceOption) (*SessionSource, error) {
	switch {
	case session == nil:
		return nil, fmt.Errorf("new session source: nil session")
	case raw == nil:
		return nil, fmt.Errorf("new session source: nil raw updates")
	case mapper == nil:
		return nil, fmt.Errorf("new session source: nil mapper")
	}

	source := &SessionSource{
		session: session,
		raw:     raw,
		mapper:  mapper,
		onSkip:  func(context.Context, error) {},
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume runs the session until ctx ends, the raw queue closes or handler
// fails.
func (s *SessionSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("session source: nil handler")
	}

	err := s.session.Run(ctx, func(runCtx context.Context) error {
		updates, err := s.raw.Updates(runCtx)
		if err != nil {
			return fmt.Errorf("open raw updates: %w", err)
		}

		return drain(runCtx, updates, func(raw any) error {
			return s.forward(runCtx, raw, handler)
		})
	})
	if err != nil {
		return fmt.Errorf("session source: %w", err)
	}

	return nil
}

func (s *SessionSource) forward(ctx context.Context, raw any, handler UpdateHandler) error {
	var (
		update   Update
		accepted bool
	)
	err := recoverPanic("map update", func() error {
		var mapErr error
		update, accepted, mapErr = s.mapper.Map(ctx, raw)
		return mapErr
	})
	if err != nil {
		s.onSkip(ctx, err)
		return nil
	}
	if !accepted {
		return nil
	}
	if err := handler(ctx, update); err != nil {
		return fmt.Errorf("handle %s update: %w", update.Type, err)
	}

	return nil
}

// ChannelSource replays already mapped updates, for example a recorded
// session. It stops when the channel is closed.
type ChannelSource struct {
	Updates <-chan Update
}

// Consume forwards channel updates until closure or cancellation.
func (s ChannelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("channel source: nil handler")
	}

	return drain(ctx, s.Updates, func(update Update) error {
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("channel source handle %s update: %w", update.Type, err)
		}
		return nil
	})
}

// drain feeds every item of items to fn until ctx ends or items closes.
func drain[T any](ctx context.Context, items <-chan T, fn func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-items:
			if !ok {
				return nil
			}
			if err := fn(item); err != nil {
				return err
			}
		}
	}
}

// recoverPanic runs fn and turns a panic into an error.
func recoverPanic(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s panic: %v", scope, recovered)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
