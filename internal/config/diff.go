package config

import "reflect"

// ConfigDiff describes what changed between two loaded configs. Executor
// definitions and the scheduler poll interval reload live; everything else
// needs a restart and is only reported.
type ConfigDiff struct {
	ExecutorsAdded   []string
	ExecutorsRemoved []string
	ExecutorsChanged []string

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	OrchestratorChanged bool
	NewOrchestrator     OrchestratorConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.ExecutorsAdded) > 0 ||
		len(d.ExecutorsRemoved) > 0 ||
		len(d.ExecutorsChanged) > 0 ||
		d.SchedulerChanged ||
		d.OrchestratorChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Executors {
		if _, ok := old.Executors[name]; !ok {
			d.ExecutorsAdded = append(d.ExecutorsAdded, name)
		}
	}
	for name := range old.Executors {
		if _, ok := new.Executors[name]; !ok {
			d.ExecutorsRemoved = append(d.ExecutorsRemoved, name)
		}
	}
	for name, newDef := range new.Executors {
		if oldDef, ok := old.Executors[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.ExecutorsChanged = append(d.ExecutorsChanged, name)
			}
		}
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}
	if old.Orchestrator != new.Orchestrator {
		d.OrchestratorChanged = true
		d.NewOrchestrator = new.Orchestrator
	}

	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.Vault != new.Vault {
		d.NonReloadable = append(d.NonReloadable, "vault")
	}
	if old.Telegram != new.Telegram {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if old.Archive != new.Archive {
		d.NonReloadable = append(d.NonReloadable, "archive")
	}

	return d
}
