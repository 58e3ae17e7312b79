package config

import (
	"reflect"
	"sort"
	"strings"

	logx "briefbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.SendRatePerSec != nt.SendRatePerSec ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Int("telegram.send_rate_per_sec", nt.SendRatePerSec),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ob, nb := oldCfg.Briefing, newCfg.Briefing
	if !reflect.DeepEqual(ob, nb) {
		changed = append(changed, "briefing")
		attrs = append(attrs,
			logx.Bool("briefing.enabled", nb.IsEnabled()),
			logx.String("briefing.api_url", strings.TrimSpace(nb.APIURL)),
			logx.String("briefing.default_timezone", strings.TrimSpace(nb.DefaultTimezone)),
			logx.String("briefing.tick", strings.TrimSpace(nb.Tick)),
			logx.Int("briefing.retry_attempts", nb.RetryAttempts),
			logx.String("briefing.workdays", strings.TrimSpace(nb.Workdays)),
			logx.Int("briefing.holidays", len(nb.Holidays)),
			logx.Int("briefing.extra_workdays", len(nb.ExtraWorkdays)),
		)
	}

	// Nil storage means in-memory.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
			logx.Bool("storage.restart_required", true),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
