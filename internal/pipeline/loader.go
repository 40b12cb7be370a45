package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/mend/pkg/models"
)

// Definition is a pipeline described as data: an ordered list of named
// phases, each a shell command run under the guarded executor.
type Definition struct {
	Name          string            `yaml:"name"`
	HaltOnFailure bool              `yaml:"halt_on_failure"`
	Phases        []PhaseDefinition `yaml:"phases"`
}

// PhaseDefinition is one phase in a pipeline file.
type PhaseDefinition struct {
	Name        string   `yaml:"name"`
	Command     string   `yaml:"command"`
	WorkingDir  string   `yaml:"working_dir"`
	Timeout     duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  duration `yaml:"retry_delay"`
}

// duration accepts human-readable values ("30s", "2m") in pipeline files.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// LoadDefinition parses a pipeline YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	var def Definition
	if err := yaml.Unmarshal([]byte(expanded), &def); err != nil {
		return nil, err
	}

	if len(def.Phases) == 0 {
		return nil, fmt.Errorf("pipeline %q has no phases", def.Name)
	}
	for i, p := range def.Phases {
		if p.Name == "" {
			return nil, fmt.Errorf("phase %d has no name", i+1)
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("phase %q has no command", p.Name)
		}
	}
	return &def, nil
}

// Build converts the definition into executable phases. Each op runs the
// phase command under /bin/sh; on failure the returned error carries the
// command's stderr so the matcher sees the real error text.
func (d *Definition) Build(ctx context.Context, defaultPolicy models.RetryPolicy) []Phase {
	phases := make([]Phase, 0, len(d.Phases))
	for _, pd := range d.Phases {
		pd := pd

		policy := defaultPolicy
		if pd.MaxAttempts > 0 {
			policy.MaxAttempts = pd.MaxAttempts
		}
		if pd.RetryDelay.Duration > 0 {
			policy.RetryDelay = pd.RetryDelay.Duration
		}

		phases = append(phases, Phase{
			Name:   pd.Name,
			Policy: policy,
			Op: func() error {
				return runCommand(ctx, pd.Command, pd.WorkingDir, pd.Timeout.Duration)
			},
		})
	}
	return phases
}

func runCommand(ctx context.Context, command, workingDir string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}
