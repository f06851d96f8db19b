package bootstrap

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/skylift/skylift/internal/core/domain"
)

func testSpec() Spec {
	return Spec{
		Request: domain.DeploymentRequest{
			RepoURL:    "https://github.com/acme/widgets.git",
			Branch:     "main",
			CommitSHA:  "abc123",
			RunCommand: "npm start",
			Env:        map[string]string{"API_KEY": "secret, with \"quotes\"\nand newline"},
			Region:     "us-east-1",
		},
		Profile: domain.ProjectProfile{Language: "node", Port: 3000},
	}
}

func TestComposeYAML_NoContainerFile(t *testing.T) {
	out, err := ComposeYAML(testSpec())
	require.NoError(t, err)

	var doc map[string]map[string]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))

	app := doc["services"]["app"]
	assert.Equal(t, "node:20-slim", app["image"])
	assert.Contains(t, app["command"], "npm start")
	assert.Equal(t, []any{"3000:3000"}, app["ports"])
	assert.NotContains(t, app, "build")
}

func TestComposeYAML_WithContainerFile(t *testing.T) {
	spec := testSpec()
	spec.Profile.HasContainerFile = true

	out, err := ComposeYAML(spec)
	require.NoError(t, err)

	var doc map[string]map[string]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))

	app := doc["services"]["app"]
	assert.Equal(t, ".", app["build"])
	assert.NotContains(t, app, "image")
}

func TestEnvFile_SortedAndComplete(t *testing.T) {
	spec := testSpec()
	spec.DatabaseURL = "postgres://u:p@host:5432/db"

	out := EnvFile(spec)
	lines := strings.Split(strings.TrimSpace(out), "\n")

	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "API_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "DATABASE_URL="))
	assert.Equal(t, "PORT=3000", lines[2])
}

func TestUserData_PayloadsSurviveEncoding(t *testing.T) {
	spec := testSpec()
	script, err := UserData(spec)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash"))
	assert.Contains(t, script, "git clone --branch main https://github.com/acme/widgets.git /opt/app")
	assert.Contains(t, script, "git checkout abc123")
	assert.Contains(t, script, "docker compose up -d --build")

	// The env payload is base64-encoded; the raw value with commas, quotes
	// and newlines must round-trip.
	var payload string
	for _, line := range strings.Split(script, "\n") {
		if strings.Contains(line, "> .env") {
			payload = strings.Fields(line)[1]
		}
	}
	require.NotEmpty(t, payload)
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "secret, with \"quotes\"\nand newline")
}

func TestRedeployScript(t *testing.T) {
	script, err := RedeployScript(testSpec())
	require.NoError(t, err)

	assert.Contains(t, script, "cd /opt/app")
	assert.Contains(t, script, "git checkout abc123")
	assert.Contains(t, script, "docker compose up -d --build")
	assert.NotContains(t, script, "git clone")
}
