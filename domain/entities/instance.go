package entities

import "time"

// PluginInstance is one activation of a plugin.
type PluginInstance struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	PluginID  string    `json:"pluginId"`
	State     Status    `json:"state"`
}
