package render

import (
	"fmt"

	"github.com/stackpilot/stackpilot/internal/spec"
)

// renderEnv produces the app-scoped environment file. It is the only
// artifact that carries credential values: the connection string is built
// here and nowhere else, and the file never feeds the proxy config.
func renderEnv(in Input, dbPassword, sessionSecret string) ([]byte, error) {
	app, ok := in.Stack.ByRole(spec.RoleApp)
	if !ok {
		return nil, fmt.Errorf("render env: stack has no app service")
	}
	db := in.Config.Database
	dbHost := "127.0.0.1"
	if in.Strategy == spec.StrategyContainerized {
		// Inside the compose network the database is reached by service name.
		dbHost = "database"
	}
	d := struct {
		Port           int
		DatabaseURL    string
		SessionSecret  string
		PublicHost     string
		AdminHost      string
		ReleaseVersion string
		ReleaseDir     string
	}{
		Port: app.ListenPort,
		DatabaseURL: fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			db.User, dbPassword, dbHost, db.ListenPort, db.Name),
		SessionSecret: sessionSecret,
		PublicHost:    in.Config.Hostnames.Public,
		AdminHost:     in.Config.Hostnames.Admin,
	}
	if in.Release != nil {
		d.ReleaseVersion = in.Release.Version
		d.ReleaseDir = in.Release.Dir
	}
	return execTemplate("env", envTemplate, d)
}

const envTemplate = `# Generated by stackpilot; owner-only. Do not commit.
PORT={{.Port}}
DATABASE_URL={{.DatabaseURL}}
SESSION_SECRET={{.SessionSecret}}
PUBLIC_HOST={{.PublicHost}}
ADMIN_HOST={{.AdminHost}}
{{- if .ReleaseVersion}}
RELEASE_VERSION={{.ReleaseVersion}}
{{- end}}
{{- if .ReleaseDir}}
RELEASE_DIR={{.ReleaseDir}}
{{- end}}
`
