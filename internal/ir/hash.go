package ir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainWorkflow = "repro/workflow/v1"
	DomainSeed     = "repro/seed/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// WorkflowDigest computes the content-addressed identity of a workflow's
// structure: stage ids, dependencies, handler references, parameters and
// declared output locations.
//
// Recorded baselines (hash, hash_method, baseline fields) are excluded, so an
// experiment run that writes baselines back into the document does not change
// the digest its later reproductions are looked up by.
func WorkflowDigest(wf *Workflow) (string, error) {
	stages := make([]any, len(wf.Stages))
	for i, s := range wf.Stages {
		outputs := make([]any, len(s.Outputs))
		for j, o := range s.Outputs {
			outputs[j] = map[string]any{
				"path":   o.Path,
				"shared": o.Shared,
			}
		}
		deps := s.Dependencies
		if deps == nil {
			deps = []string{}
		}
		params := s.Parameters
		if params == nil {
			params = map[string]any{}
		}
		stages[i] = map[string]any{
			"id":           s.ID,
			"dependencies": deps,
			"code_handler": s.HandlerRef,
			"parameters":   params,
			"outputs":      outputs,
		}
	}

	obj := map[string]any{
		"version": wf.Version,
		"stages":  stages,
	}
	if wf.Reproduction.RandomSeed != nil {
		obj["random_seed"] = *wf.Reproduction.RandomSeed
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("WorkflowDigest: failed to marshal: %w", err)
	}
	return hex.EncodeToString(hashWithDomain(DomainWorkflow, canonical)), nil
}

// DeriveSeed computes the seed for one stage from the workflow seed.
//
// The result depends only on (workflowSeed, NFC(stageID)), is identical on
// every platform, and is always non-negative so it fits backends that reject
// negative seeds.
func DeriveSeed(workflowSeed int64, stageID string) int64 {
	data := make([]byte, 8, 8+1+len(stageID))
	binary.BigEndian.PutUint64(data, uint64(workflowSeed))
	data = append(data, 0x00)
	data = append(data, norm.NFC.String(stageID)...)

	sum := hashWithDomain(DomainSeed, data)
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
}
