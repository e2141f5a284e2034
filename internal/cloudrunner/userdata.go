package cloudrunner

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/runnerforge/fleet/internal/metricsstore"
)

// userdataParams are the per-runner fields embedded into the boot script
// (spec.md §4.4 "Render userdata: embeds registration token, labels, proxy
// config, policy-compliance endpoint, debug-SSH endpoint, and the scripts
// the VM runs at boot/pre-job/post-job to write metric files and register
// with the CI service").
type userdataParams struct {
	InstanceID              string
	RegistrationToken       string
	Labels                  string
	GitHubPath              string
	GitHubBaseURL           string
	MetricsDir              string
	HTTPProxy               string
	HTTPSProxy              string
	DockerhubMirror         string
	EnableAproxy            bool
	RepoPolicyComplianceURL string
	RepoPolicyComplianceTok string
	SSHDebugRelayHosts      string
}

var userdataTemplate = template.Must(template.New("userdata").Parse(`#!/bin/bash
set -euo pipefail

mkdir -p {{.MetricsDir}}
date +%s > {{.MetricsDir}}/installation_start.ts

{{- if .HTTPProxy}}
export HTTP_PROXY="{{.HTTPProxy}}"
{{- end}}
{{- if .HTTPSProxy}}
export HTTPS_PROXY="{{.HTTPSProxy}}"
{{- end}}
{{- if .EnableAproxy}}
systemctl enable --now aproxy.service || true
{{- end}}
{{- if .DockerhubMirror}}
echo '{"registry-mirrors":["{{.DockerhubMirror}}"]}' > /etc/docker/daemon.json
{{- end}}

mkdir -p /opt/actions-runner
cd /opt/actions-runner
./config.sh --unattended \
  --url "{{.GitHubBaseURL}}/{{.GitHubPath}}" \
  --token "{{.RegistrationToken}}" \
  --name "{{.InstanceID}}" \
  --labels "{{.Labels}}" \
  --ephemeral

cat > /opt/actions-runner/hooks/job-started.sh <<'EOF'
#!/bin/bash
date +%s > {{.MetricsDir}}/pre_job.json
EOF

cat > /opt/actions-runner/hooks/job-completed.sh <<'EOF'
#!/bin/bash
date +%s > {{.MetricsDir}}/post_job.json
EOF

chmod +x /opt/actions-runner/hooks/job-started.sh /opt/actions-runner/hooks/job-completed.sh
date +%s > {{.MetricsDir}}/installed.ts

{{- if .RepoPolicyComplianceURL}}
export REPO_POLICY_COMPLIANCE_URL="{{.RepoPolicyComplianceURL}}"
export REPO_POLICY_COMPLIANCE_TOKEN="{{.RepoPolicyComplianceTok}}"
{{- end}}
{{- if .SSHDebugRelayHosts}}
export SSH_DEBUG_RELAY_HOSTS="{{.SSHDebugRelayHosts}}"
{{- end}}

./svc.sh install
./svc.sh start
`))

// renderUserdata renders the cloud-init boot script for one runner VM.
func renderUserdata(cfg ManagerConfig, instanceID, registrationToken string) (string, error) {
	params := userdataParams{
		InstanceID:              instanceID,
		RegistrationToken:       registrationToken,
		Labels:                  strings.Join(cfg.Labels, ","),
		GitHubPath:              cfg.GitHubPath,
		GitHubBaseURL:           cfg.GitHubBaseURL,
		MetricsDir:              metricsstore.RemoteMetricsDir,
		HTTPProxy:               cfg.HTTPProxy,
		HTTPSProxy:              cfg.HTTPSProxy,
		DockerhubMirror:         cfg.DockerhubMirror,
		EnableAproxy:            cfg.EnableAproxy,
		RepoPolicyComplianceURL: cfg.RepoPolicyComplianceURL,
		RepoPolicyComplianceTok: cfg.RepoPolicyComplianceTok,
		SSHDebugRelayHosts:      strings.Join(cfg.SSHDebugRelayHosts, ","),
	}

	var buf bytes.Buffer
	if err := userdataTemplate.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render userdata for %s: %w", instanceID, err)
	}
	return buf.String(), nil
}
