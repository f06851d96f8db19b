// Package bootstrap generates the instance bootstrap artifacts for the
// virtual-machine target: a cloud-init script that installs a container
// runtime, clones the pinned commit and starts the application, plus the
// compose and environment files it writes. This is part of the Functional
// Core - generation is pure.
package bootstrap

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skylift/skylift/internal/core/domain"
)

// Default images used when the repository carries no container build file.
var languageImages = map[string]string{
	"node":   "node:20-slim",
	"python": "python:3.12-slim",
	"ruby":   "ruby:3.3-slim",
	"go":     "golang:1.24",
	"java":   "eclipse-temurin:21",
	"php":    "php:8.3-cli",
}

// composeFile mirrors the subset of the compose file format the generated
// configuration uses.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Build      string   `yaml:"build,omitempty"`
	Image      string   `yaml:"image,omitempty"`
	Command    string   `yaml:"command,omitempty"`
	WorkingDir string   `yaml:"working_dir,omitempty"`
	Volumes    []string `yaml:"volumes,omitempty"`
	EnvFile    []string `yaml:"env_file,omitempty"`
	Ports      []string `yaml:"ports,omitempty"`
	Restart    string   `yaml:"restart,omitempty"`
}

// Spec is the input to bootstrap generation.
type Spec struct {
	Request domain.DeploymentRequest
	Profile domain.ProjectProfile

	// DatabaseURL, when non-empty, is injected as DATABASE_URL.
	DatabaseURL string
}

// appPort returns the host port the application is exposed on.
func (s Spec) appPort() int {
	if s.Profile.Port > 0 {
		return s.Profile.Port
	}
	return 80
}

// ComposeYAML renders the compose configuration for the instance. With a
// container build file present the image is built from the clone; otherwise
// the declared run command executes inside a language base image with the
// clone bind-mounted.
func ComposeYAML(spec Spec) (string, error) {
	svc := composeService{
		EnvFile: []string{".env"},
		Ports:   []string{fmt.Sprintf("%d:%d", spec.appPort(), spec.appPort())},
		Restart: "unless-stopped",
	}

	if spec.Profile.HasContainerFile {
		svc.Build = "."
	} else {
		image, ok := languageImages[spec.Profile.Language]
		if !ok {
			image = "debian:bookworm-slim"
		}
		svc.Image = image
		svc.WorkingDir = "/app"
		svc.Volumes = []string{".:/app"}
		svc.Command = runCommand(spec.Request)
	}

	doc := composeFile{Services: map[string]composeService{"app": svc}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal compose file: %w", err)
	}
	return string(out), nil
}

// runCommand chains the declared install, build and run commands.
func runCommand(req domain.DeploymentRequest) string {
	parts := make([]string, 0, 3)
	for _, c := range []string{req.InstallCommand, req.BuildCommand, req.RunCommand} {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("sh -c %q", strings.Join(parts, " && "))
}

// EnvFile renders the .env file contents with deterministic key order.
func EnvFile(spec Spec) string {
	env := make(map[string]string, len(spec.Request.Env)+2)
	for k, v := range spec.Request.Env {
		env[k] = v
	}
	if spec.DatabaseURL != "" {
		env["DATABASE_URL"] = spec.DatabaseURL
	}
	if spec.Profile.Port > 0 {
		env["PORT"] = fmt.Sprintf("%d", spec.Profile.Port)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return b.String()
}

// UserData renders the full cloud-init bootstrap script. The compose and
// env payloads are base64-encoded so embedded commas, newlines and quotes
// survive the trip through the instance metadata service.
func UserData(spec Spec) (string, error) {
	compose, err := ComposeYAML(spec)
	if err != nil {
		return "", err
	}

	cloneRef := spec.Request.Branch
	if cloneRef == "" {
		cloneRef = "main"
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	b.WriteString(dockerInstall)
	fmt.Fprintf(&b, "git clone --branch %s %s /opt/app\ncd /opt/app\n", cloneRef, spec.Request.RepoURL)
	if spec.Request.CommitSHA != "" {
		fmt.Fprintf(&b, "git checkout %s\n", spec.Request.CommitSHA)
	}
	if spec.Request.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s\n", spec.Request.WorkDir)
	}
	fmt.Fprintf(&b, "echo %s | base64 -d > .env\n", base64.StdEncoding.EncodeToString([]byte(EnvFile(spec))))
	fmt.Fprintf(&b, "echo %s | base64 -d > docker-compose.yml\n", base64.StdEncoding.EncodeToString([]byte(compose)))
	b.WriteString("docker compose up -d --build\n")
	return b.String(), nil
}

// RedeployScript renders the in-place redeploy script sent over the remote
// command channel: fetch the pinned commit, rewrite configuration, rebuild
// and restart without replacing the instance.
func RedeployScript(spec Spec) (string, error) {
	compose, err := ComposeYAML(spec)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\ncd /opt/app\n")
	b.WriteString("git fetch --all\n")
	if spec.Request.CommitSHA != "" {
		fmt.Fprintf(&b, "git checkout %s\n", spec.Request.CommitSHA)
	} else {
		ref := spec.Request.Branch
		if ref == "" {
			ref = "main"
		}
		fmt.Fprintf(&b, "git checkout %s && git pull origin %s\n", ref, ref)
	}
	if spec.Request.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s\n", spec.Request.WorkDir)
	}
	fmt.Fprintf(&b, "echo %s | base64 -d > .env\n", base64.StdEncoding.EncodeToString([]byte(EnvFile(spec))))
	fmt.Fprintf(&b, "echo %s | base64 -d > docker-compose.yml\n", base64.StdEncoding.EncodeToString([]byte(compose)))
	b.WriteString("docker compose up -d --build\n")
	return b.String(), nil
}

// dockerInstall is the container-runtime install preamble.
const dockerInstall = `apt-get update -y
apt-get install -y ca-certificates curl gnupg git
install -m 0755 -d /etc/apt/keyrings
curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --dearmor -o /etc/apt/keyrings/docker.gpg
chmod a+r /etc/apt/keyrings/docker.gpg
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.gpg] https://download.docker.com/linux/ubuntu $(. /etc/os-release && echo "$VERSION_CODENAME") stable" | tee /etc/apt/sources.list.d/docker.list > /dev/null
apt-get update -y
apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin
systemctl enable docker
systemctl start docker
`
