package forge

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Provisioning plan model
////////////////////////////////////////////////////////////////////////////////

// A ProvisionStep is one named, ordered unit of image provisioning. Steps
// render to Dockerfile instructions verbatim; a failing instruction aborts
// the whole stage, so order is load-bearing.
type ProvisionStep struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// A StagePlan is one Dockerfile stage: a base image plus ordered steps.
type StagePlan struct {
	Name      string          `json:"name"`
	BaseImage string          `json:"base_image"`
	Steps     []ProvisionStep `json:"steps"`
}

const (
	stageNameBase     = "base"
	stageNameTraining = "training"
	stageNameHosted   = "hosted"
)

func (p StagePlan) stepNames() []string {
	names := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		names = append(names, step.Name)
	}
	return names
}

func (p StagePlan) findStep(name string) (ProvisionStep, bool) {
	for _, step := range p.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return ProvisionStep{}, false
}

// shellChain joins commands into one fail-fast RUN instruction. The first
// failing command stops the chain, so nothing after it takes effect.
func shellChain(commands ...string) string {
	cleaned := make([]string, 0, len(commands))
	for _, cmd := range commands {
		trimmed := strings.TrimSpace(cmd)
		if trimmed == "" {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	return "RUN " + strings.Join(cleaned, " \\\n && ")
}

// appendLinesOnce renders a shell command that appends each line to path
// only when an identical line is not already present. Re-running the command
// leaves the file unchanged, so every line lands exactly once.
func appendLinesOnce(path string, lines []string) string {
	parts := make([]string, 0, len(lines)+1)
	parts = append(parts, "touch "+path)
	for _, line := range lines {
		quoted := shellSingleQuote(line)
		parts = append(parts, fmt.Sprintf(
			"grep -qxF %s %s || echo %s >> %s",
			quoted, path, quoted, path,
		))
	}
	return strings.Join(parts, " && ")
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func envInstruction(key, value string) string {
	return "ENV " + key + "=" + value
}

// baseImageRef derives the upstream CUDA development image from the pins.
func baseImageRef(pins PinSet) string {
	cudnnMajor := strings.SplitN(pins.CUDNN, ".", 2)[0]
	return fmt.Sprintf("nvidia/cuda:%s-cudnn%s-devel-ubuntu18.04", pins.CUDA, cudnnMajor)
}

// cudaShortName renders a pin like 11.1.1 as cuda-11.1 for toolkit paths.
func cudaShortName(cudaPin string) string {
	fields := strings.Split(cudaPin, ".")
	if len(fields) < 2 {
		return "cuda-" + cudaPin
	}
	return "cuda-" + fields[0] + "." + fields[1]
}
