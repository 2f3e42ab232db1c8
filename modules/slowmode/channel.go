package slowmode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"modwarden/internal/metrics"
	"modwarden/internal/scheduler"
	"modwarden/pkg/warden"
)

const (
	forgetTaskPrefix = "forget-"
	unmuteTaskPrefix = "unmute-"
)

type memberPhase int

const (
	phaseCounting memberPhase = iota
	phaseMuted
)

func (p memberPhase) String() string {
	switch p {
	case phaseCounting:
		return "counting"
	case phaseMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// memberState is owned by its channel; a removed state is never reused.
type memberState struct {
	phase  memberPhase
	count  int
	prior  warden.SendOverride
	forget *scheduler.Task
}

// channel tracks members of one slowed channel. Its pool runs forget and
// unmute tasks and is shut down when the channel is disabled.
type channel struct {
	ref      warden.ChannelRef
	settings warden.SlowModeSettings
	editor   warden.PermissionEditor
	pool     *scheduler.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	members  map[string]*memberState
	closing  bool
	inflight sync.WaitGroup
}

func newChannel(
	ref warden.ChannelRef,
	settings warden.SlowModeSettings,
	editor warden.PermissionEditor,
	workers int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *channel {
	return &channel{
		ref:      ref,
		settings: settings,
		editor:   editor,
		pool: scheduler.NewPool(
			scheduler.WithName("slowmode-"+ref.TenantID+"-"+ref.ChannelID),
			scheduler.WithWorkers(workers),
			scheduler.WithLogger(logger),
		),
		logger:  logger,
		metrics: m,
		members: make(map[string]*memberState),
	}
}

// observe counts one message of memberID and mutes the member once the
// threshold is reached inside the window.
func (c *channel) observe(ctx context.Context, memberID string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	member, exists := c.members[memberID]
	switch {
	case !exists:
		member = &memberState{phase: phaseCounting, count: 1}
		task, err := c.pool.Schedule(forgetTaskPrefix+memberID, c.settings.Window, func(context.Context) error {
			c.forget(memberID, member)
			return nil
		})
		if err != nil {
			c.mu.Unlock()
			return
		}
		member.forget = task
		c.members[memberID] = member
	case member.phase == phaseMuted:
		c.mu.Unlock()
		return
	default:
		member.count++
	}
	if member.count < c.settings.Threshold {
		c.mu.Unlock()
		return
	}
	member.phase = phaseMuted
	forget := member.forget
	member.forget = nil
	c.mu.Unlock()

	muteFor := c.settings.Mute
	if forget != nil && !forget.Cancel() {
		c.logger.DebugContext(ctx, "slowmode forget task already ran, unmuting at once",
			"tenant_id", c.ref.TenantID,
			"channel_id", c.ref.ChannelID,
			"task", forget.Name(),
		)
		muteFor = 0
	}
	c.mute(ctx, memberID, member, muteFor)
}

// forget drops a member whose window elapsed without reaching the threshold.
func (c *channel) forget(memberID string, member *memberState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.members[memberID] == member && member.phase == phaseCounting {
		delete(c.members, memberID)
	}
}

func (c *channel) mute(ctx context.Context, memberID string, member *memberState, muteFor time.Duration) {
	prior, err := c.editor.MemberSendOverride(ctx, c.ref, memberID)
	if err != nil {
		c.abandon(ctx, memberID, member, "read send override", err)
		return
	}
	c.mu.Lock()
	member.prior = prior
	c.mu.Unlock()

	if err := c.editor.SetMemberSendOverride(ctx, c.ref, memberID, warden.SendOverrideDeny); err != nil {
		c.abandon(ctx, memberID, member, "deny send", err)
		return
	}
	c.metrics.MemberMuted()
	c.logger.InfoContext(ctx, "slowmode member muted",
		"tenant_id", c.ref.TenantID,
		"channel_id", c.ref.ChannelID,
		"member_id", memberID,
		"prior_override", prior.String(),
		"mute", muteFor,
	)

	unmute := func(taskCtx context.Context) error {
		return c.unmute(context.WithoutCancel(taskCtx), memberID, member)
	}
	if _, err := c.pool.Schedule(unmuteTaskPrefix+memberID, muteFor, unmute); err != nil {
		if runErr := unmute(ctx); runErr != nil {
			c.logger.ErrorContext(ctx, "slowmode inline unmute failed",
				"tenant_id", c.ref.TenantID,
				"channel_id", c.ref.ChannelID,
				"member_id", memberID,
				"error", runErr,
			)
		}
	}
}

// abandon forgets a member whose mute could not be applied.
func (c *channel) abandon(ctx context.Context, memberID string, member *memberState, step string, err error) {
	c.mu.Lock()
	if c.members[memberID] == member {
		delete(c.members, memberID)
	}
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "slowmode mute abandoned",
		"tenant_id", c.ref.TenantID,
		"channel_id", c.ref.ChannelID,
		"member_id", memberID,
		"step", step,
		"error", err,
	)
}

// unmute restores the override the member had before the mute. It runs at
// most once per mute.
func (c *channel) unmute(ctx context.Context, memberID string, member *memberState) error {
	c.mu.Lock()
	if c.members[memberID] != member || member.phase != phaseMuted {
		c.mu.Unlock()
		return nil
	}
	delete(c.members, memberID)
	prior := member.prior
	c.mu.Unlock()

	var err error
	switch prior {
	case warden.SendOverrideAbsent:
		err = c.editor.DeleteMemberOverride(ctx, c.ref, memberID)
	case warden.SendOverrideAllow:
		err = c.editor.SetMemberSendOverride(ctx, c.ref, memberID, warden.SendOverrideAllow)
	default:
		err = c.editor.SetMemberSendOverride(ctx, c.ref, memberID, warden.SendOverrideNeutral)
	}
	if err != nil {
		return fmt.Errorf("restore %s override of member %s: %w", prior, memberID, err)
	}
	c.logger.InfoContext(ctx, "slowmode member unmuted",
		"tenant_id", c.ref.TenantID,
		"channel_id", c.ref.ChannelID,
		"member_id", memberID,
		"restored_override", prior.String(),
	)

	return nil
}

// close rejects new messages, waits for mutes already being applied, then
// stops the pool. Tasks still waiting after timeout run inline, so no member
// stays muted once close returns.
func (c *channel) close(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.inflight.Wait()

	if c.pool.Shutdown(timeout) {
		return
	}

	withdrawn := c.pool.ShutdownNow()
	for _, task := range withdrawn {
		if !strings.HasPrefix(task.Name, unmuteTaskPrefix) {
			continue
		}
		c.metrics.ForcedUnmute()
		if err := task.Run(context.WithoutCancel(ctx)); err != nil {
			c.logger.ErrorContext(ctx, "slowmode forced unmute failed",
				"tenant_id", c.ref.TenantID,
				"channel_id", c.ref.ChannelID,
				"task", task.Name,
				"error", err,
			)
		}
	}
}

// phaseOf reports the tracked phase of a member, for diagnostics.
func (c *channel) phaseOf(memberID string) (memberPhase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	member, ok := c.members[memberID]
	if !ok {
		return 0, false
	}

	return member.phase, true
}
