package config

import (
	"strings"
	"testing"
)

func TestLoadWorkerRequiresIngressAuth(t *testing.T) {
	t.Setenv("ROLE", RoleAutomationWorker)
	t.Setenv("AUTOMATION_WEBHOOK_API_KEY", "")
	t.Setenv("AUTOMATION_WEBHOOK_SIGNATURE_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("worker with open ingress passed validation")
	} else if !strings.Contains(err.Error(), "AUTOMATION_WEBHOOK_API_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}

	// Either credential is enough.
	t.Setenv("AUTOMATION_WEBHOOK_API_KEY", "k1")
	if _, err := Load(); err != nil {
		t.Fatalf("worker with API key rejected: %v", err)
	}
	t.Setenv("AUTOMATION_WEBHOOK_API_KEY", "")
	t.Setenv("AUTOMATION_WEBHOOK_SIGNATURE_SECRET", "s1")
	if _, err := Load(); err != nil {
		t.Fatalf("worker with HMAC secret rejected: %v", err)
	}

	// A worker with automation disabled serves nothing, so no credential
	// is needed.
	t.Setenv("AUTOMATION_WEBHOOK_SIGNATURE_SECRET", "")
	t.Setenv("AUTOMATION_ENABLED", "false")
	if _, err := Load(); err != nil {
		t.Fatalf("disabled automation rejected: %v", err)
	}
}

func TestLoadOtherRolesSkipIngressAuth(t *testing.T) {
	t.Setenv("ROLE", RoleMCPServer)
	t.Setenv("AUTOMATION_WEBHOOK_API_KEY", "")
	t.Setenv("AUTOMATION_WEBHOOK_SIGNATURE_SECRET", "")
	if _, err := Load(); err != nil {
		t.Fatalf("mcp-server role rejected: %v", err)
	}
}
