package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"briefbot/internal/config"
	logx "briefbot/pkg/logx"
)

// followConfig applies every config the manager publishes until ctx ends.
func (a *App) followConfig(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = newest(sub, next)
			a.applyConfig(applied, next)
			applied = next
		}
	}
}

// newest drains whatever is already queued on sub and returns the last
// config seen, starting from cur.
func newest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case c, ok := <-sub:
			if !ok || c == nil {
				return cur
			}
			cur = c
		default:
			return cur
		}
	}
}

// restartOnly lists what a reload notices but cannot apply to a running
// process.
func restartOnly(oldCfg, newCfg *config.Config, sections []string) []string {
	var out []string
	if slices.Contains(sections, "storage") {
		out = append(out, "storage")
	}
	if oldCfg == nil {
		return out
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram.token/poll_timeout")
	}
	oldU, _ := mapUpstreamConfig(oldCfg)
	newU, _ := mapUpstreamConfig(newCfg)
	if !reflect.DeepEqual(oldU, newU) {
		out = append(out, "briefing fetch settings")
	}
	return out
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded without effective changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)

	if pending := restartOnly(oldCfg, newCfg, sections); len(pending) > 0 {
		a.log.Warn("some changes need a restart to take effect", logx.String("pending", strings.Join(pending, ", ")))
	}

	// The target must be in place before Apply enables the Telegram sink.
	chatID, _ := groupLogTarget(newCfg)
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))
	a.adapter.SetSendRate(newCfg.Telegram.SendRatePerSec)

	bcfg, err := mapBriefingConfig(newCfg)
	if err != nil {
		a.log.Warn("briefing config rejected, keeping the running one", logx.Err(err))
	} else {
		a.brief.Apply(bcfg)
	}
	a.log.Info("config reloaded", fields...)
}
