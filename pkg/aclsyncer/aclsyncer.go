package aclsyncer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/openshift/ingress-node-acl/api/v1alpha1"
	"github.com/openshift/ingress-node-acl/pkg/acl"
	"github.com/openshift/ingress-node-acl/pkg/metrics"
	"github.com/openshift/ingress-node-acl/pkg/status"
)

// defaultDebounce is how long Watch waits for a burst of file events to settle before reloading.
const defaultDebounce = 100 * time.Millisecond

// ACLSyncer is the single point of contact that rule manifests are sent to. On the other side, it makes
// sure that the engine classifies with the rules of the last applied manifest.
type ACLSyncer interface {
	SyncRules(manifest *v1alpha1.IngressNodeACL, isDelete bool) error
}

// Syncer implements ACLSyncer on top of an acl.Engine.
type Syncer struct {
	log      logr.Logger
	engine   *acl.Engine
	stats    *metrics.Statistics
	sources  []metrics.CounterSource
	debounce time.Duration

	mu      sync.Mutex
	current *v1alpha1.IngressNodeACL
}

// New returns a syncer owning engine. stats may be nil; if set, its poller is paused during every sync
// and restarted with sources afterwards.
func New(log logr.Logger, engine *acl.Engine, stats *metrics.Statistics, sources ...metrics.CounterSource) *Syncer {
	return &Syncer{
		log:      log.WithName("aclsyncer"),
		engine:   engine,
		stats:    stats,
		sources:  sources,
		debounce: defaultDebounce,
	}
}

// SyncRules replaces the engine's rules with those of manifest. If isDelete is true all rules are
// removed and manifest is ignored, so all traffic is dropped. The status of manifest is updated with
// the outcome; on failure the previous rules stay in effect.
func (s *Syncer) SyncRules(manifest *v1alpha1.IngressNodeACL, isDelete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.log.WithName("syncRules")

	// Stop the poller for the time of this operation and start it again afterwards.
	if s.stats != nil {
		s.stats.StopPoll()
		defer s.stats.StartPoll(s.sources...)
	}

	if isDelete {
		logger.Info("Running sync operation", "isDelete", isDelete)
		if s.stats != nil {
			s.stats.PurgeMetrics(s.sources...)
		}
		s.current = nil
		return s.engine.ClearRules()
	}
	if manifest == nil {
		return fmt.Errorf("no manifest to sync")
	}
	logger.Info("Running sync operation", "manifest", manifest.Name, "rules", len(manifest.Spec.Rules),
		"failSafe", manifest.Spec.FailSafe)

	status.Update(manifest, status.ConditionProgressing, "Syncing", "")
	s.current = manifest

	specs, err := manifest.ToSpecs()
	if err == nil {
		err = s.engine.ReplaceRules(specs)
	}
	if err != nil {
		logger.Error(err, "Failed loading rules, previous rules are kept", "manifest", manifest.Name)
		status.Update(manifest, status.ConditionDegraded, "SyncFailed", err.Error())
		return err
	}

	manifest.Status.RuleCount = s.engine.RuleCount()
	status.Update(manifest, status.ConditionAvailable, "", "")
	logger.Info("Rules loaded", "manifest", manifest.Name, "ruleCount", manifest.Status.RuleCount,
		"generation", s.engine.Generation())
	return nil
}

// SyncFile loads, validates and syncs the manifest at path. A manifest that cannot be loaded leaves
// the rules untouched.
func (s *Syncer) SyncFile(path string) error {
	manifest, err := v1alpha1.LoadFile(path)
	if err != nil {
		s.log.Error(err, "Could not load manifest, previous rules are kept", "path", path)
		return err
	}
	return s.SyncRules(manifest, false)
}

// Status returns a copy of the last synced manifest, or nil if none is.
func (s *Syncer) Status() *v1alpha1.IngressNodeACL {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.DeepCopy()
}

// ReadyCheck is a healthz checker reporting whether the rules of the last manifest are in effect.
func (s *Syncer) ReadyCheck(_ *http.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return status.IsAvailable(s.current)
}

// Watch re-syncs the manifest at path whenever it changes and clears the rules when it is removed. It
// does not load the manifest initially; call SyncFile for that. Watch blocks until ctx is done.
func (s *Syncer) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	// Watch the directory: editors and config map mounts replace files rather than write them.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	logger := s.log.WithName("watch")
	logger.Info("Manifest watcher started", "path", target)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info("Manifest watcher stopped")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
				continue
			}
			logger.V(1).Info("Manifest event", "op", ev.Op.String())
			settle = time.After(s.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error(err, "Manifest watcher error")
		case <-settle:
			settle = nil
			s.reload(target)
		}
	}
}

func (s *Syncer) reload(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.log.Info("Manifest removed, clearing rules", "path", path)
		if err := s.SyncRules(nil, true); err != nil {
			s.log.Error(err, "Failed clearing rules")
		}
		return
	}
	// Errors are logged by SyncFile and SyncRules.
	_ = s.SyncFile(path)
}
