package state

import "github.com/mcpchat/host/settings"

// SettingsState is the settings state container. It starts with
// settings.Default so that a missing autoCreateChat reads as enabled.
type SettingsState struct {
	*Value[settings.Config]
}

func NewSettingsState() *SettingsState {
	return &SettingsState{Value: NewValue(settings.Default())}
}
