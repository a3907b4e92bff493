package scheduler

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/snowingwolf/waveflow/internal/configresolve"
)

// CacheStatus classifies a plugin's execution need for one run without
// actually computing anything.
type CacheStatus string

const (
	InMemory       CacheStatus = "in_memory"
	OnDisk         CacheStatus = "on_disk"
	NeedsCompute   CacheStatus = "needs_compute"
	PrunedByCache  CacheStatus = "pruned_by_cache"
)

// PlanStep describes one plugin's planned execution within a PreviewExecution
// report.
type PlanStep struct {
	Name            string
	Status          CacheStatus
	NonDefaultOptions map[string]interface{}
}

// PlanReport is the result of PreviewExecution: the topological plan for
// producing name within runID, without running any plugin.
type PlanReport struct {
	RunID string
	Name  string
	Steps []PlanStep
}

// String renders the plan as a table, in the teacher's tablewriter style.
func (p *PlanReport) String() string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"Plugin", "Status", "Non-default Options"})
	for _, step := range p.Steps {
		table.Append([]string{step.Name, string(step.Status), formatOptions(step.NonDefaultOptions)})
	}
	table.Render()
	return sb.String()
}

func formatOptions(opts map[string]interface{}) string {
	if len(opts) == 0 {
		return "-"
	}
	out := ""
	for k, v := range opts {
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}

// PreviewExecution computes the topological execution plan for producing
// name within runID, classifying each dependency's cache status and
// reporting every option whose resolved value came from explicit or
// adapter-inferred configuration rather than the plugin's declared default
// (the value itself is not compared with the default), without executing
// any plugin.
func (s *Scheduler) PreviewExecution(runID, name string) (*PlanReport, error) {
	order, err := s.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	report := &PlanReport{RunID: runID, Name: name}
	prunedBelow := make(map[string]bool)

	for _, n := range order {
		entry, err := s.Registry.Get(n)
		if err != nil {
			return nil, err
		}

		status := NeedsCompute
		if _, ok := s.cachedResult(runID, n); ok {
			status = InMemory
		} else if _, key, err := s.lineageAndKey(runID, n); err == nil && s.Store.Exists(key) {
			if meta, err := s.Store.LoadMetadata(key); err == nil {
				if l, lerr := s.buildLineage(n); lerr == nil {
					if h, herr := l.Hash(); herr == nil && metaLineageMatches(meta.Lineage, h) {
						status = OnDisk
					}
				}
			}
		}

		if status != NeedsCompute {
			// Every dependency of a satisfied node is pruned unless some
			// other consumer still needs it computed directly.
			for _, dep := range entry.Info.DependsOn {
				prunedBelow[dep.Name] = true
			}
		}

		resolver := configresolve.NewResolver(s.explicitFor(n), s.inferred)
		rc, err := resolver.Resolve(entry.Info, entry.Info.Version)
		nonDefault := map[string]interface{}{}
		if err == nil {
			for optName, v := range rc.Values {
				if v.Origin != configresolve.OriginDefault {
					nonDefault[optName] = v.Value
				}
			}
		}

		report.Steps = append(report.Steps, PlanStep{Name: n, Status: status, NonDefaultOptions: nonDefault})
	}

	for i, step := range report.Steps {
		if step.Status == NeedsCompute && prunedBelow[step.Name] && step.Name != name {
			report.Steps[i].Status = PrunedByCache
		}
	}

	return report, nil
}

// AnalysisReport summarizes a plugin's dependency graph shape for capacity
// planning: its parallel execution layers, critical path, and a rough
// theoretical speedup from running independent layers concurrently.
type AnalysisReport struct {
	Name              string
	Layers            [][]string
	CriticalPath      []string
	TotalPlugins      int
	TheoreticalSpeedup float64
	Bottleneck        string
}

// AnalyzeDependencies reports the shape of name's dependency graph: its
// depth-ordered parallel execution layers (from Registry.ExecutionLayers),
// a critical path made of the first plugin of each layer (as long as the
// longest dependency chain, but consecutive entries are not guaranteed to
// depend on one another), and a
// theoretical speedup estimate assuming each plugin costs one unit of work
// and layers run back to back with unlimited intra-layer parallelism.
func (s *Scheduler) AnalyzeDependencies(name string) (*AnalysisReport, error) {
	layers, err := s.Registry.ExecutionLayers(name)
	if err != nil {
		return nil, err
	}

	order, err := s.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	report := &AnalysisReport{Name: name, Layers: layers, TotalPlugins: len(order)}

	// Critical path: one representative plugin per layer, in dependency
	// order, since every layer boundary reflects at least one dependency
	// hop on the path to name.
	for _, layer := range layers {
		if len(layer) > 0 {
			report.CriticalPath = append(report.CriticalPath, layer[0])
		}
	}

	if len(layers) > 0 {
		report.TheoreticalSpeedup = float64(report.TotalPlugins) / float64(len(layers))
	}

	widest := ""
	widestSize := 0
	for _, layer := range layers {
		if len(layer) > widestSize {
			widestSize = len(layer)
			if len(layer) > 0 {
				widest = layer[0]
			}
		}
	}
	if widestSize > 1 {
		report.Bottleneck = fmt.Sprintf("layer containing %q has %d independent plugins contending for the same executor profile", widest, widestSize)
	}

	return report, nil
}
