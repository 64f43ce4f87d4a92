package render

import (
	"fmt"

	"github.com/stackpilot/stackpilot/internal/certs"
	"github.com/stackpilot/stackpilot/internal/spec"
)

// Two hostname classes are always modeled: the public surface and the
// privileged admin surface. Each gets its own limit_req zone; admin paths
// are rejected outright when they arrive through the public virtual host.
type proxyData struct {
	PublicHost    string
	AdminHost     string
	HTTPPort      int
	HTTPSPort     int
	AdminPath     string
	UpstreamPort  int
	TLS           bool
	CertPath      string
	KeyPath       string
	AdminCertPath string
	AdminKeyPath  string
}

func renderProxy(in Input, cert, adminCert *certs.Record) ([]byte, error) {
	app, ok := in.Stack.ByRole(spec.RoleApp)
	if !ok {
		return nil, fmt.Errorf("render proxy: stack has no app service")
	}
	d := proxyData{
		PublicHost:   in.Config.Hostnames.Public,
		AdminHost:    in.Config.Hostnames.Admin,
		HTTPPort:     in.Config.Proxy.HTTPPort,
		HTTPSPort:    in.Config.Proxy.HTTPSPort,
		AdminPath:    in.Config.Proxy.AdminPath,
		UpstreamPort: app.ListenPort,
	}
	if cert != nil {
		d.TLS = true
		d.CertPath = cert.CertPath
		d.KeyPath = cert.KeyPath
		// The admin vhost serves its own material when issued, otherwise
		// it falls back to the public pair.
		d.AdminCertPath, d.AdminKeyPath = cert.CertPath, cert.KeyPath
		if adminCert != nil {
			d.AdminCertPath, d.AdminKeyPath = adminCert.CertPath, adminCert.KeyPath
		}
	}
	return execTemplate("proxy", proxyTemplate, d)
}

const proxyTemplate = `# Generated by stackpilot; do not edit.

limit_req_zone $binary_remote_addr zone=public:10m rate=10r/s;
limit_req_zone $binary_remote_addr zone=admin:10m rate=2r/s;

gzip on;
gzip_comp_level 5;
gzip_types text/css text/plain application/javascript application/json image/svg+xml;

upstream stackpilot_app {
    server 127.0.0.1:{{.UpstreamPort}};
    keepalive 16;
}

# --- public surface ---
server {
    listen {{.HTTPPort}};
    server_name {{.PublicHost}};

    add_header X-Frame-Options DENY always;
    add_header X-Content-Type-Options nosniff always;
    add_header Referrer-Policy strict-origin-when-cross-origin always;

    location ^~ /.well-known/acme-challenge/ {
        root /var/lib/stackpilot/acme;
    }
{{if .TLS}}
    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen {{.HTTPSPort}} ssl;
    server_name {{.PublicHost}};

    ssl_certificate {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;

    add_header X-Frame-Options DENY always;
    add_header X-Content-Type-Options nosniff always;
    add_header Referrer-Policy strict-origin-when-cross-origin always;
    add_header Strict-Transport-Security "max-age=31536000" always;
{{end}}
    # Administrative paths never route through the public hostname.
    location ^~ {{.AdminPath}} {
        return 404;
    }

    location /static/ {
        limit_req zone=public burst=20 nodelay;
        proxy_pass http://stackpilot_app;
        expires 7d;
        add_header Cache-Control "public, max-age=604800, immutable";
    }

    location / {
        limit_req zone=public burst=20 nodelay;
        proxy_pass http://stackpilot_app;
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-Proto $scheme;
        add_header Cache-Control "no-store";
    }
}

# --- privileged surface ---
server {
    listen {{.HTTPPort}};
    server_name {{.AdminHost}};

    add_header X-Frame-Options DENY always;
    add_header X-Content-Type-Options nosniff always;
    add_header Referrer-Policy strict-origin-when-cross-origin always;

    location ^~ /.well-known/acme-challenge/ {
        root /var/lib/stackpilot/acme;
    }
{{if .TLS}}
    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen {{.HTTPSPort}} ssl;
    server_name {{.AdminHost}};

    ssl_certificate {{.AdminCertPath}};
    ssl_certificate_key {{.AdminKeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;

    add_header X-Frame-Options DENY always;
    add_header X-Content-Type-Options nosniff always;
    add_header Referrer-Policy strict-origin-when-cross-origin always;
    add_header Strict-Transport-Security "max-age=31536000" always;
{{end}}
    location / {
        limit_req zone=admin burst=5 nodelay;
        proxy_pass http://stackpilot_app;
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-Proto $scheme;
        add_header Cache-Control "no-store";
    }
}
`
