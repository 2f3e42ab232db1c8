package auditlog

import "slices"

// TenantSettings selects what is logged for one tenant.
type TenantSettings struct {
	LogMessageDelete bool
	LogMessageUpdate bool
	LogMemberBan     bool
	LogMemberLeave   bool
	// ExcludedChannels are never recorded nor logged.
	ExcludedChannels []string
}

// DefaultTenantSettings logs everything in every channel.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		LogMessageDelete: true,
		LogMessageUpdate: true,
		LogMemberBan:     true,
		LogMemberLeave:   true,
	}
}

func (s TenantSettings) excludes(channelID string) bool {
	return slices.Contains(s.ExcludedChannels, channelID)
}

func cloneSettings(settings TenantSettings) TenantSettings {
	cloned := settings
	cloned.ExcludedChannels = append([]string(nil), settings.ExcludedChannels...)

	return cloned
}
