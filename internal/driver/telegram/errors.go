package telegram

import (
	"fmt"
	"strings"

	"modwarden/pkg/warden"

	"github.com/gotd/td/tgerr"
)

// mapRPCError wraps a Telegram RPC failure so modules can branch on the
// neutral sentinels. Unclassified errors are wrapped as is.
func mapRPCError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if retryAfter, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%s: %w (retry after %s): %w", operation, warden.ErrRateLimited, retryAfter, err)
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if sentinel := classifyRPCError(rpcErr); sentinel != nil {
		return fmt.Errorf("%s: %w: %w", operation, sentinel, err)
	}

	return fmt.Errorf("%s: %w", operation, err)
}

func classifyRPCError(rpcErr *tgerr.Error) error {
	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	switch {
	case rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD"):
		return warden.ErrRateLimited
	case rpcErr.Code == 403,
		strings.HasPrefix(errorType, "CHAT_ADMIN_REQUIRED"),
		strings.HasPrefix(errorType, "CHAT_WRITE_FORBIDDEN"),
		strings.HasPrefix(errorType, "RIGHT_FORBIDDEN"),
		strings.HasPrefix(errorType, "USER_ADMIN_INVALID"):
		return warden.ErrMissingPermission
	case strings.HasPrefix(errorType, "CHANNEL_INVALID"),
		strings.HasPrefix(errorType, "CHANNEL_PRIVATE"),
		strings.HasPrefix(errorType, "PEER_ID_INVALID"):
		return warden.ErrUnknownChannel
	default:
		return nil
	}
}

func errUnknownPeer(kind string, id int64) error {
	return fmt.Errorf("%w: %s %d not seen yet", warden.ErrUnknownChannel, kind, id)
}
