package lifecycle

import "github.com/reglet-dev/reglet-runtime/domain/entities"

var transitions = map[entities.Status][]entities.Status{
	entities.StatusInstalling: {entities.StatusInstalled, entities.StatusError},
	entities.StatusInstalled:  {entities.StatusRegistered, entities.StatusUninstalling, entities.StatusError},
	entities.StatusRegistered: {entities.StatusLoading, entities.StatusUninstalling},
	entities.StatusLoading:    {entities.StatusLoaded, entities.StatusError},
	entities.StatusLoaded:     {entities.StatusRunning, entities.StatusRegistered, entities.StatusError},
	entities.StatusRunning:    {entities.StatusPaused, entities.StatusLoaded, entities.StatusError},
	entities.StatusPaused:     {entities.StatusRunning, entities.StatusLoaded, entities.StatusError},
	entities.StatusError:      {entities.StatusLoading, entities.StatusRegistered, entities.StatusUninstalling},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to entities.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
