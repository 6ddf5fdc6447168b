package gateway

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"clawgate/internal/model"
)

const wakeHookTimeout = 5 * time.Second

// wakeMode classifies an inbound message for the external wake hook (spec
// §6): URGENT:/ALERT:/CRITICAL: prefixes (ASCII case-sensitive) fire the
// hook in "immediate" mode, everything else in "deferred" mode.
func wakeMode(content []byte) string {
	for _, prefix := range []string{"URGENT:", "ALERT:", "CRITICAL:"} {
		if strings.HasPrefix(string(content), prefix) {
			return "immediate"
		}
	}
	return "deferred"
}

// fireWakeHook runs g.cfg.WakeHookCommand as owner's wake notifier, if
// configured and owner opted in. Invocation is fire-and-forget with a 5s
// timeout and never blocks or fails the delivery path it is called from.
func (g *Gateway) fireWakeHook(rt *identityRuntime, msg model.Message) {
	if !rt.cfg.OpenclawWake || g.cfg.WakeHookCommand == "" {
		return
	}
	mode := wakeMode(msg.Content)
	go g.runWakeHook(rt.identity.Principal, msg, mode)
}

func (g *Gateway) runWakeHook(principal string, msg model.Message, mode string) {
	ctx, cancel := context.WithTimeout(context.Background(), wakeHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.cfg.WakeHookCommand, principal, mode, msg.From, msg.ID)
	if err := cmd.Run(); err != nil {
		g.logger.Warn("gateway: wake hook failed", "principal", principal, "mode", mode, "error", err)
	}
}
