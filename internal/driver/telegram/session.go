package telegram

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

type userbotSession struct {
	client  *gotdtelegram.Client
	login   func(ctx context.Context) error
	prepare func(ctx context.Context) error
}

var _ Session = userbotSession{}

// Run connects, logs in when the stored session is not authorized, prepares
// the gateway and then runs fn. A failed preparation ends the session.
func (c userbotSession) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if c.client == nil {
		return fmt.Errorf("userbot session: nil client")
	}
	if c.login == nil {
		return fmt.Errorf("userbot session: nil login")
	}
	if fn == nil {
		return fmt.Errorf("userbot session: nil callback")
	}

	if err := c.client.Run(ctx, func(runCtx context.Context) error {
		if err := c.login(runCtx); err != nil {
			return fmt.Errorf("log in: %w", err)
		}
		if c.prepare != nil {
			if err := c.prepare(runCtx); err != nil {
				return fmt.Errorf("prepare gateway: %w", err)
			}
		}
		return fn(runCtx)
	}); err != nil {
		return fmt.Errorf("userbot session: %w", err)
	}

	return nil
}

func logIn(
	ctx context.Context,
	logger *slog.Logger,
	client *gotdtelegram.Client,
	cfg parsedRuntimeConfig,
) error {
	if client == nil {
		return fmt.Errorf("log in: nil client")
	}

	authCtx := ctx
	cancel := func() {}
	if cfg.authTimeout > 0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(ctx, cfg.authTimeout)
		authCtx = timeoutCtx
		cancel = timeoutCancel
	}
	defer cancel()

	status, err := client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		logger.InfoContext(ctx, "telegram session restored from local storage", "session_file", cfg.sessionFile)
		return nil
	}

	phone := strings.TrimSpace(cfg.phone)
	if phone == "" {
		return fmt.Errorf("phone is required to log in a new session")
	}

	codeAuthenticator := auth.CodeAuthenticatorFunc(func(_ context.Context, _ *tg.AuthSentCode) (string, error) {
		code, err := loginCode(cfg.code)
		if err != nil {
			return "", fmt.Errorf("resolve login code: %w", err)
		}
		return code, nil
	})

	var authenticator auth.UserAuthenticator = auth.CodeOnly(phone, codeAuthenticator)
	if password := strings.TrimSpace(cfg.password); password != "" {
		authenticator = auth.Constant(phone, password, codeAuthenticator)
	}

	flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})

	if err := client.Auth().IfNecessary(authCtx, flow); err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	logger.InfoContext(ctx, "telegram session logged in", "session_file", cfg.sessionFile)

	return nil
}

func loginCode(configuredCode string) (string, error) {
	if code := strings.TrimSpace(configuredCode); code != "" {
		return code, nil
	}

	stdinInfo, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("read stdin status: %w", err)
	}
	if stdinInfo.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("code is not configured and stdin is not interactive")
	}

	fmt.Fprint(os.Stdout, "Enter Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read login code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty login code")
	}

	return code, nil
}
