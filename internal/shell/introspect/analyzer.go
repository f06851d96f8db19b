// Package introspect examines a checked-out repository and produces the
// project profile target selection runs on. Detection is manifest-driven:
// dependency files, container build files and compose specs.
package introspect

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/skylift/skylift/internal/core/domain"
)

// =============================================================================
// Analyzer
// =============================================================================

// Analyzer implements repository introspection.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger.With("component", "introspect")}
}

// Analyze inspects dir and returns the detected profile. A compose spec
// makes the project multi-service; otherwise single-service detection runs
// over the dependency manifests.
func (a *Analyzer) Analyze(ctx context.Context, dir string) (domain.ProjectProfile, error) {
	var profile domain.ProjectProfile

	if path, ok := composeFile(dir); ok {
		if err := a.applyCompose(ctx, path, &profile); err != nil {
			return domain.ProjectProfile{}, err
		}
	}

	a.applyManifests(dir, &profile)

	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err == nil {
		profile.HasContainerFile = true
		if port := dockerfilePort(filepath.Join(dir, "Dockerfile")); port > 0 && profile.Port == 0 {
			profile.Port = port
		}
	}

	a.logger.Debug("analysis complete",
		"language", profile.Language,
		"framework", profile.Framework,
		"multi_service", profile.IsMultiService,
		"uses_database", profile.UsesDatabase,
	)
	return profile, nil
}

// =============================================================================
// Compose Detection
// =============================================================================

var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

func composeFile(dir string) (string, bool) {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// databaseImages maps compose service images to managed database engines.
// Such services are provisioned as managed databases, not deployed.
var databaseImages = map[string]string{
	"postgres": "postgres",
	"mysql":    "mysql",
	"mariadb":  "mysql",
}

func (a *Analyzer) applyCompose(ctx context.Context, path string, profile *domain.ProjectProfile) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var dict map[string]any
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return NewAnalysisError(path, "invalid YAML syntax", err)
	}

	project, err := loader.LoadWithContext(ctx, composetypes.ConfigDetails{
		ConfigFiles: []composetypes.ConfigFile{{Content: content, Config: dict}},
	}, func(opts *loader.Options) {
		opts.SetProjectName("skylift-analysis", false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return NewAnalysisError(path, "compose spec rejected", err)
	}

	var services []domain.ServiceDescriptor
	for _, svc := range project.Services {
		if engine, ok := databaseImages[imageName(svc.Image)]; ok {
			profile.UsesDatabase = true
			if profile.DatabaseEngine == "" {
				profile.DatabaseEngine = engine
			}
			continue
		}

		desc := domain.ServiceDescriptor{
			Name:    svc.Name,
			WorkDir: ".",
		}
		if svc.Build != nil {
			desc.WorkDir = svc.Build.Context
			desc.ContainerFilePath = svc.Build.Dockerfile
		}
		for _, p := range svc.Ports {
			if p.Target > 0 {
				desc.Port = int(p.Target)
				break
			}
		}
		for dep := range svc.DependsOn {
			if _, isDB := databaseImages[imageName(project.Services[dep].Image)]; !isDB {
				desc.DependsOn = append(desc.DependsOn, dep)
			}
		}
		sort.Strings(desc.DependsOn)
		services = append(services, desc)
	}

	profile.Services = orderServices(services)
	profile.IsMultiService = len(profile.Services) > 1
	if len(profile.Services) == 1 && profile.Port == 0 {
		profile.Port = profile.Services[0].Port
	}
	return nil
}

// imageName strips registry and tag from a compose image reference.
func imageName(image string) string {
	if image == "" {
		return ""
	}
	name := image
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// orderServices produces a deterministic deploy order: dependencies before
// dependents, lexicographic among peers. A cycle falls back to name order.
func orderServices(services []domain.ServiceDescriptor) []domain.ServiceDescriptor {
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	placed := map[string]bool{}
	known := map[string]bool{}
	for _, s := range services {
		known[s.Name] = true
	}

	ordered := make([]domain.ServiceDescriptor, 0, len(services))
	for len(ordered) < len(services) {
		progress := false
		for _, s := range services {
			if placed[s.Name] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if known[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[s.Name] = true
				ordered = append(ordered, s)
				progress = true
			}
		}
		if !progress {
			for _, s := range services {
				if !placed[s.Name] {
					placed[s.Name] = true
					ordered = append(ordered, s)
				}
			}
		}
	}
	return ordered
}

// =============================================================================
// Manifest Detection
// =============================================================================

func (a *Analyzer) applyManifests(dir string, profile *domain.ProjectProfile) {
	switch {
	case exists(dir, "package.json"):
		a.applyNode(dir, profile)
	case exists(dir, "requirements.txt") || exists(dir, "pyproject.toml"):
		a.applyPython(dir, profile)
	case exists(dir, "Gemfile"):
		profile.Language = "ruby"
		if gemfileHas(dir, "rails") {
			profile.Framework = "rails"
		}
	case exists(dir, "go.mod"):
		profile.Language = "go"
	case exists(dir, "pom.xml") || exists(dir, "build.gradle"):
		profile.Language = "java"
	case exists(dir, "composer.json"):
		profile.Language = "php"
	}
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

var nodeFrameworks = []struct{ dep, name string }{
	{"next", "nextjs"},
	{"nuxt", "nuxt"},
	{"@remix-run/node", "remix"},
	{"@angular/core", "angular"},
	{"express", "express"},
	{"fastify", "fastify"},
	{"koa", "koa"},
}

var nodeDatabases = map[string]string{
	"pg":        "postgres",
	"postgres":  "postgres",
	"sequelize": "postgres",
	"prisma":    "postgres",
	"typeorm":   "postgres",
	"knex":      "postgres",
	"mysql":     "mysql",
	"mysql2":    "mysql",
}

func (a *Analyzer) applyNode(dir string, profile *domain.ProjectProfile) {
	profile.Language = "node"

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		a.logger.Warn("unparseable package.json", "dir", dir, "error", err)
		return
	}

	deps := mergeDeps(pkg.Dependencies, pkg.DevDependencies)
	if profile.Framework == "" {
		for _, fw := range nodeFrameworks {
			if _, ok := deps[fw.dep]; ok {
				profile.Framework = fw.name
				break
			}
		}
	}
	if _, ok := deps["socket.io"]; ok {
		profile.UsesWebsockets = true
	}
	if _, ok := deps["ws"]; ok {
		profile.UsesWebsockets = true
	}
	for dep, engine := range nodeDatabases {
		if _, ok := deps[dep]; ok {
			profile.UsesDatabase = true
			if profile.DatabaseEngine == "" {
				profile.DatabaseEngine = engine
			}
			break
		}
	}
}

var pythonFrameworks = []struct{ dep, name string }{
	{"django", "django"},
	{"flask", "flask"},
	{"fastapi", "fastapi"},
}

var pythonDatabases = map[string]string{
	"psycopg2":        "postgres",
	"psycopg2-binary": "postgres",
	"asyncpg":         "postgres",
	"pymysql":         "mysql",
	"mysqlclient":     "mysql",
}

func (a *Analyzer) applyPython(dir string, profile *domain.ProjectProfile) {
	profile.Language = "python"

	deps := pythonRequirements(dir)
	if profile.Framework == "" {
		for _, fw := range pythonFrameworks {
			if deps[fw.dep] {
				profile.Framework = fw.name
				break
			}
		}
	}
	if deps["websockets"] || deps["channels"] || deps["flask-socketio"] {
		profile.UsesWebsockets = true
	}
	for dep, engine := range pythonDatabases {
		if deps[dep] {
			profile.UsesDatabase = true
			if profile.DatabaseEngine == "" {
				profile.DatabaseEngine = engine
			}
			break
		}
	}
}

// pythonRequirements returns the lowercase package names from
// requirements.txt (version pins stripped).
func pythonRequirements(dir string) map[string]bool {
	deps := map[string]bool{}
	raw, err := os.ReadFile(filepath.Join(dir, "requirements.txt"))
	if err != nil {
		return deps
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if idx := strings.Index(name, sep); idx >= 0 {
				name = name[:idx]
			}
		}
		deps[strings.ToLower(name)] = true
	}
	return deps
}

func gemfileHas(dir, gem string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "Gemfile"))
	if err != nil {
		return false
	}
	return strings.Contains(string(raw), "'"+gem+"'") || strings.Contains(string(raw), "\""+gem+"\"")
}

// =============================================================================
// Helpers
// =============================================================================

var exposeRe = regexp.MustCompile(`(?im)^\s*EXPOSE\s+(\d+)`)

// dockerfilePort returns the first EXPOSE port, if any.
func dockerfilePort(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	m := exposeRe.FindSubmatch(raw)
	if m == nil {
		return 0
	}
	port := 0
	for _, c := range m[1] {
		port = port*10 + int(c-'0')
	}
	return port
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func mergeDeps(maps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
