package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/repro/internal/ir"
)

// ApplyBaselines returns a copy of wf whose outputs carry the fingerprints an
// experiment run captured. Outputs validated by fields also get the extracted
// fields as their baseline. Reproduction manifests leave the copy unchanged:
// only experiments define baselines.
func ApplyBaselines(wf *ir.Workflow, m *ir.RunManifest) *ir.Workflow {
	out := wf.Clone()
	if m == nil || m.Mode != ir.ModeExperiment {
		return out
	}
	for i := range out.Stages {
		st := &out.Stages[i]
		for j := range st.Outputs {
			o := &st.Outputs[j]
			c, ok := m.Recorded(st.ID, o.Path)
			if !ok {
				continue
			}
			o.Hash = c.Fingerprint
			o.HashMethod = c.HashMethod
			o.Baseline = nil
			if ir.NeedsFields(o.PolicyOrDefault()) && len(c.Fields) > 0 {
				o.Baseline = c.Fields
			}
		}
	}
	return out
}

// ApplyManifest records an experiment's captures in the document: hash,
// hash_method and, for field-validated outputs, baseline. The YAML tree is
// edited in place; comments and key order survive. It returns the number of
// outputs updated.
func (d *Document) ApplyManifest(m *ir.RunManifest) (int, error) {
	if m == nil || m.Mode != ir.ModeExperiment {
		return 0, nil
	}
	updated := ApplyBaselines(d.Workflow, m)

	stages := mappingValue(d.root.Content[0], "stages")
	if stages == nil || stages.Kind != yaml.SequenceNode {
		return 0, fmt.Errorf("apply manifest: document has no stages sequence")
	}

	count := 0
	for i, stageNode := range stages.Content {
		if i >= len(updated.Stages) {
			break
		}
		st := updated.Stages[i]
		outputs := mappingValue(stageNode, "outputs")
		if outputs == nil || outputs.Kind != yaml.SequenceNode {
			continue
		}
		for j, outNode := range outputs.Content {
			if j >= len(st.Outputs) {
				break
			}
			o := st.Outputs[j]
			if _, ok := m.Recorded(st.ID, o.Path); !ok {
				continue
			}
			setScalar(outNode, "hash", o.Hash)
			setScalar(outNode, "hash_method", o.HashMethod)
			if o.Baseline != nil {
				var b yaml.Node
				if err := b.Encode(o.Baseline); err != nil {
					return count, fmt.Errorf("apply manifest: encode baseline for %s/%s: %w", st.ID, o.Path, err)
				}
				setNode(outNode, "baseline", &b)
			} else {
				deleteKey(outNode, "baseline")
			}
			count++
		}
	}
	d.Workflow = updated
	return count, nil
}

// Save writes the document to path, or to d.Path when path is empty.
// The file is replaced atomically.
func (d *Document) Save(path string) error {
	if path == "" {
		path = d.Path
	}
	if path == "" {
		return fmt.Errorf("save document: no path")
	}
	data, err := d.Bytes()
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save document: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("save document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	d.Path = path
	return nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func setScalar(n *yaml.Node, key, value string) {
	setNode(n, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

// setNode replaces key's value, keeping the existing node's comments, or
// appends the key.
func setNode(n *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			old := n.Content[i+1]
			value.HeadComment = old.HeadComment
			value.LineComment = old.LineComment
			value.FootComment = old.FootComment
			n.Content[i+1] = value
			return
		}
	}
	n.Content = append(n.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func deleteKey(n *yaml.Node, key string) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			n.Content = append(n.Content[:i], n.Content[i+2:]...)
			return
		}
	}
}
