// Package manifest decodes the lowered task graph the engine consumes: a
// JSON document naming every Task Spec, its declared dependencies and its
// static (non-dependency) input files. Producing this document is the job
// of the recipe parser and lowering pipeline upstream of this module; the
// engine's contract starts here.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/scheduler"
	"github.com/anvil-build/anvil/src/signature"
	"github.com/anvil-build/anvil/src/task"
)

// InputFile names one file to materialize into a task's input root from a
// path on local disk, prior to hashing it into the CAS.
type InputFile struct {
	Path          string `json:"path"`
	Source        string `json:"source"`
	ExecutableBit bool   `json:"executable_bit,omitempty"`
}

// Task is the JSON shape of one node of the graph.
type Task struct {
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Deps         []string          `json:"deps,omitempty"`
	Inputs       []InputFile       `json:"inputs,omitempty"`
	OutputPaths  []string          `json:"output_paths,omitempty"`
	Platform     map[string]string `json:"platform,omitempty"`
	TimeoutMs    uint64            `json:"timeout_ms,omitempty"`
	AllowNetwork bool              `json:"allow_network,omitempty"`
}

// Manifest is the top-level JSON document: an ordered list of tasks,
// dependencies first.
type Manifest struct {
	Tasks []Task `json:"tasks"`
}

// Decode reads a Manifest from r.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// BuildGraph materializes every task's static inputs into store and
// assembles a scheduler.Graph ready to run. Dependency edges are taken
// verbatim from each task's Deps; a dependency's own declared outputs are
// not part of the graph's static inputs; they're reparented into its
// dependents' input roots by a scheduler.DependencyResolver at run time.
func BuildGraph(store *cas.Store, m *Manifest) (*scheduler.Graph, error) {
	g := scheduler.NewGraph()
	for _, t := range m.Tasks {
		inputs := make([]signature.InputFile, 0, len(t.Inputs))
		for _, in := range t.Inputs {
			d, err := store.PutFile(in.Source)
			if err != nil {
				return nil, fmt.Errorf("task %q: hashing input %q: %w", t.Name, in.Source, err)
			}
			inputs = append(inputs, signature.InputFile{
				Path:          in.Path,
				Digest:        d,
				ExecutableBit: in.ExecutableBit,
			})
		}
		spec := &task.TaskSpec{
			Name:         t.Name,
			Command:      []byte(t.Command),
			Env:          t.Env,
			OutputPaths:  t.OutputPaths,
			Platform:     t.Platform,
			TimeoutMs:    t.TimeoutMs,
			AllowNetwork: t.AllowNetwork,
		}
		if err := g.AddTask(t.Name, spec, t.Deps, inputs); err != nil {
			return nil, err
		}
	}
	return g, nil
}
