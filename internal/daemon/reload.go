package daemon

import (
	"go.uber.org/zap"
)

// reload re-reads the config file and swaps the shared snapshot
// transactionally (spec.md §4.7 "SIGHUP -> reload"). Every domain the diff
// reports as removed is evicted from the CA engine, dropping its cached leaf
// and its persisted key/cert pair.
func (s *Supervisor) reload() {
	s.setState(StateReloading)
	defer s.setState(StateRunning)

	diff, err := s.store.ReloadFrom(s.configPath)
	if err != nil {
		s.log.Zap().Error("daemon: reload rejected, old config remains in force", zap.Error(err))
		return
	}

	for _, name := range diff.Removed {
		s.caEngine.Evict(name)
	}

	s.log.Zap().Info("daemon: reloaded",
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("changed", len(diff.Changed)),
	)
}
