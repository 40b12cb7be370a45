package skillstore

import (
	"context"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/mend/pkg/models"
)

// SeedEntry is one pre-seeded skill in the YAML seed file.
type SeedEntry struct {
	Kind       string `yaml:"kind"`
	Pattern    string `yaml:"pattern"`
	Regex      bool   `yaml:"regex"`
	Resolution string `yaml:"resolution"`
	Context    string `yaml:"context"`
}

// Seed loads skills from a YAML file, inserting any whose pattern is not
// already present. Existing entries are never modified; re-running a seed
// is safe. Returns the number of entries added.
func (s *Store) Seed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var seeds []SeedEntry
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return 0, err
	}

	existing, err := s.List()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[e.Pattern] = true
	}

	added := 0
	for _, seed := range seeds {
		if seed.Pattern == "" || seed.Resolution == "" {
			log.Printf("[SkillStore] Skipping seed entry with empty pattern or resolution")
			continue
		}
		if known[seed.Pattern] {
			continue
		}
		kind := models.ErrorKind(seed.Kind)
		if kind == "" {
			kind = models.ErrorKindCustom
		}
		entry := &models.SkillEntry{
			Kind:       kind,
			Pattern:    seed.Pattern,
			Regex:      seed.Regex,
			Resolution: seed.Resolution,
			Context:    seed.Context,
		}
		if _, err := s.Add(entry); err != nil {
			log.Printf("[SkillStore] Failed to seed skill %q: %v", seed.Pattern, err)
			continue
		}
		known[seed.Pattern] = true
		added++
	}

	if added > 0 {
		log.Printf("[SkillStore] Seeded %d skill(s) from %s", added, path)
	}
	return added, nil
}

// WatchSeed watches the seed file and re-seeds when it changes, so
// operators can promote new skills without restarting the service.
// Blocks until ctx is cancelled.
func (s *Store) WatchSeed(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log.Printf("[SkillStore] Watching seed file %s", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := s.Seed(path); err != nil {
				log.Printf("[SkillStore] Seed reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[SkillStore] Seed watcher error: %v", err)
		}
	}
}
