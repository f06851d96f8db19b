package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skylift/skylift/internal/core/domain"
)

func TestSelect_StaticSite(t *testing.T) {
	// Build command set, no run command, no container file -> static site.
	req := domain.DeploymentRequest{BuildCommand: "npm run build"}
	profile := domain.ProjectProfile{Language: "node"}

	decision := Select(req, profile)

	assert.Equal(t, domain.TargetStaticSite, decision.Target)
	assert.NotEmpty(t, decision.Reason)
}

func TestSelect_MultiServiceForcesContainer(t *testing.T) {
	profile := domain.ProjectProfile{
		IsMultiService: true,
		Services: []domain.ServiceDescriptor{
			{Name: "api"}, {Name: "worker"},
		},
	}

	// Regardless of language.
	for _, lang := range []string{"", "node", "cobol"} {
		profile.Language = lang
		decision := Select(domain.DeploymentRequest{}, profile)
		assert.Equal(t, domain.TargetContainer, decision.Target, "language %q", lang)
	}
}

func TestSelect_DatabaseForcesContainer(t *testing.T) {
	profile := domain.ProjectProfile{Language: "python", UsesDatabase: true}
	decision := Select(domain.DeploymentRequest{}, profile)
	assert.Equal(t, domain.TargetContainer, decision.Target)
}

func TestSelect_WebsocketsNeverStaticOrPaaS(t *testing.T) {
	profiles := []domain.ProjectProfile{
		{Language: "node", UsesWebsockets: true},
		{Language: "node", UsesWebsockets: true, HasContainerFile: true},
		{Language: "", UsesWebsockets: true},
	}
	reqs := []domain.DeploymentRequest{
		{},
		{BuildCommand: "npm run build"},
	}

	for _, profile := range profiles {
		for _, req := range reqs {
			decision := Select(req, profile)
			assert.NotEqual(t, domain.TargetStaticSite, decision.Target)
			assert.NotEqual(t, domain.TargetPaaS, decision.Target)
		}
	}
}

func TestSelect_PaaSForSupportedLanguage(t *testing.T) {
	profile := domain.ProjectProfile{Language: "ruby"}
	decision := Select(domain.DeploymentRequest{RunCommand: "bundle exec rails s"}, profile)
	assert.Equal(t, domain.TargetPaaS, decision.Target)
}

func TestSelect_ContainerFileWinsOverPaaS(t *testing.T) {
	profile := domain.ProjectProfile{Language: "node", HasContainerFile: true}
	decision := Select(domain.DeploymentRequest{RunCommand: "node index.js"}, profile)
	assert.Equal(t, domain.TargetContainer, decision.Target)
}

func TestSelect_LongBuildFramework(t *testing.T) {
	profile := domain.ProjectProfile{Language: "node", Framework: "nextjs"}
	decision := Select(domain.DeploymentRequest{RunCommand: "npm start"}, profile)
	assert.Equal(t, domain.TargetContainer, decision.Target)
}

func TestSelect_UnknownLanguageFallsBackToVM(t *testing.T) {
	decision := Select(domain.DeploymentRequest{}, domain.ProjectProfile{})

	assert.Equal(t, domain.TargetVM, decision.Target)
	assert.NotEmpty(t, decision.Warnings)
	assert.Contains(t, decision.Warnings[0], "no language detected")
}

func TestSelect_PinnedTarget(t *testing.T) {
	req := domain.DeploymentRequest{Target: domain.TargetVM}
	profile := domain.ProjectProfile{Language: "node"}
	decision := Select(req, profile)
	assert.Equal(t, domain.TargetVM, decision.Target)
}

func TestSelect_Deterministic(t *testing.T) {
	profiles := []domain.ProjectProfile{
		{},
		{Language: "node"},
		{Language: "node", UsesWebsockets: true},
		{Language: "go", HasContainerFile: true},
		{IsMultiService: true, Services: []domain.ServiceDescriptor{{Name: "a"}, {Name: "b"}}},
		{Language: "python", UsesDatabase: true},
	}

	for _, profile := range profiles {
		first := Select(domain.DeploymentRequest{}, profile)
		for i := 0; i < 10; i++ {
			again := Select(domain.DeploymentRequest{}, profile)
			assert.Equal(t, first, again)
		}
	}
}
