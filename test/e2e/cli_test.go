package e2e

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// runCLI executes the built binary in dir with CLOUDSTRATE_* variables
// stripped from the environment, so host configuration cannot leak into
// the assertions. Returns combined output and the process exit code.
func runCLI(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()

	cmd := exec.Command(cliBinary, args...)
	cmd.Dir = dir
	cmd.Env = []string{}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLOUDSTRATE_") {
			continue
		}
		cmd.Env = append(cmd.Env, kv)
	}

	// Timeout safety
	timer := time.AfterFunc(60*time.Second, func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
	defer timer.Stop()

	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode()
	}
	t.Fatalf("Failed to run %v: %v\n%s", args, err, out)
	return "", 0
}

// writeScanFixture drops a small but structurally complete AWS scan
// into dir: two OUs, three accounts, one VPC. Enough for phase 1 to
// derive zones, subtenants, and both proposal types.
func writeScanFixture(t *testing.T, dir string) string {
	t.Helper()

	scan := `{
  "organization": {"id": "o-exampleorg1"},
  "organizational_units": [
    {"id": "ou-r001-workloads", "name": "Workloads", "account_ids": ["111111111111", "222222222222"]},
    {"id": "ou-r001-security", "name": "Security", "account_ids": ["333333333333"]}
  ],
  "accounts": [
    {"id": "111111111111", "name": "prod-payments", "parent_ou_id": "ou-r001-workloads"},
    {"id": "222222222222", "name": "prod-web", "parent_ou_id": "ou-r001-workloads"},
    {"id": "333333333333", "name": "security-tooling", "parent_ou_id": "ou-r001-security"}
  ],
  "network": {
    "vpcs": [
      {"id": "vpc-0a1b2c3d4e5f67890", "name": "prod", "cidr": "10.0.0.0/16", "region": "us-east-1"}
    ]
  },
  "scan_metadata": {"scan_time": "2025-06-01T10:00:00Z", "source": "aws"}
}`

	path := filepath.Join(dir, "aws-scan.json")
	if err := os.WriteFile(path, []byte(scan), 0o644); err != nil {
		t.Fatalf("Failed to write scan fixture: %v", err)
	}
	return path
}

func TestCLI_Help(t *testing.T) {
	output, code := runCLI(t, t.TempDir(), "--help")
	if code != 0 {
		t.Fatalf("--help exit code = %d, want 0\nOutput: %s", code, output)
	}

	for _, group := range []string{"scan", "map", "build", "analyst", "config", "setup"} {
		if !strings.Contains(output, group) {
			t.Errorf("--help output missing command group %q", group)
		}
	}
}

func TestCLI_Version(t *testing.T) {
	output, code := runCLI(t, t.TempDir(), "--version")
	if code != 0 {
		t.Fatalf("--version exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "0.1.0") {
		t.Errorf("--version output = %q, want it to contain 0.1.0", output)
	}
}

func TestCLI_UnknownCommand(t *testing.T) {
	output, code := runCLI(t, t.TempDir(), "frobnicate")
	if code != 2 {
		t.Errorf("unknown command exit code = %d, want 2\nOutput: %s", code, output)
	}
	if !strings.Contains(strings.ToLower(output), "unknown command") {
		t.Errorf("unknown command output = %q, want an unknown command error", output)
	}
}

func TestConfigInit(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cloudstrate-config.yaml")

	output, code := runCLI(t, tmp, "config", "init", "--output", cfgPath)
	if code != 0 {
		t.Fatalf("config init exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "Configuration initialized") {
		t.Errorf("config init output = %q, want initialization message", output)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("config init did not create %s: %v", cfgPath, err)
	}
	if !strings.Contains(string(data), "neo4j:") {
		t.Errorf("generated config missing neo4j section:\n%s", data)
	}

	// A second init must refuse to clobber the file.
	output, code = runCLI(t, tmp, "config", "init", "--output", cfgPath)
	if code != 1 {
		t.Errorf("config init over existing file exit code = %d, want 1\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "already exists") {
		t.Errorf("config init output = %q, want already-exists message", output)
	}

	// --force overwrites.
	output, code = runCLI(t, tmp, "config", "init", "--output", cfgPath, "--force")
	if code != 0 {
		t.Errorf("config init --force exit code = %d, want 0\nOutput: %s", code, output)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cloudstrate-config.yaml")

	if output, code := runCLI(t, tmp, "config", "init", "--output", cfgPath); code != 0 {
		t.Fatalf("config init failed: %s", output)
	}

	output, code := runCLI(t, tmp, "config", "set", "llm.provider", "ollama", "--config-file", cfgPath)
	if code != 0 {
		t.Fatalf("config set exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "Set llm.provider = ollama") {
		t.Errorf("config set output = %q, want confirmation message", output)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("Failed to read config after set: %v", err)
	}
	if !strings.Contains(string(data), "provider: ollama") {
		t.Errorf("config set did not persist llm.provider:\n%s", data)
	}

	output, code = runCLI(t, tmp, "config", "show", "--config", cfgPath, "--format", "yaml")
	if code != 0 {
		t.Fatalf("config show exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "provider: ollama") {
		t.Errorf("config show output missing updated value:\n%s", output)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		tmp := t.TempDir()
		output, code := runCLI(t, tmp, "config", "validate", "--config-file", filepath.Join(tmp, "missing.yaml"))
		if code != 2 {
			t.Errorf("validate missing file exit code = %d, want 2\nOutput: %s", code, output)
		}
		if !strings.Contains(output, "not found") {
			t.Errorf("validate output = %q, want not-found error", output)
		}
	})

	t.Run("default config", func(t *testing.T) {
		tmp := t.TempDir()
		cfgPath := filepath.Join(tmp, "cloudstrate-config.yaml")
		if output, code := runCLI(t, tmp, "config", "init", "--output", cfgPath); code != 0 {
			t.Fatalf("config init failed: %s", output)
		}

		output, code := runCLI(t, tmp, "config", "validate", "--config-file", cfgPath)
		if code != 0 {
			t.Errorf("validate default config exit code = %d, want 0\nOutput: %s", code, output)
		}
		if !strings.Contains(output, "valid") {
			t.Errorf("validate output = %q, want validity confirmation", output)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		tmp := t.TempDir()
		cfgPath := filepath.Join(tmp, "cloudstrate-config.yaml")
		if err := os.WriteFile(cfgPath, []byte("neo4j: [broken\n"), 0o644); err != nil {
			t.Fatalf("Failed to write malformed config: %v", err)
		}

		output, code := runCLI(t, tmp, "config", "validate", "--config-file", cfgPath)
		if code != 1 {
			t.Errorf("validate malformed file exit code = %d, want 1\nOutput: %s", code, output)
		}
		if !strings.Contains(output, "validation failed") {
			t.Errorf("validate output = %q, want failure message", output)
		}
	})
}

func TestMapPhase1(t *testing.T) {
	tmp := t.TempDir()
	writeScanFixture(t, tmp)

	output, code := runCLI(t, tmp, "map", "phase1", "aws-scan.json")
	if code != 0 {
		t.Fatalf("map phase1 exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "Phase 1 mapping complete") {
		t.Errorf("map phase1 output = %q, want completion message", output)
	}

	data, err := os.ReadFile(filepath.Join(tmp, "mapping-state.yaml"))
	if err != nil {
		t.Fatalf("map phase1 did not write mapping-state.yaml: %v", err)
	}
	state := string(data)

	for _, want := range []string{
		"security_zones:",
		"sz-r001-workloads",
		"st-111111111111",
		"prop-tenant-grouping",
		"prop-network-domains",
		"status: pending",
	} {
		if !strings.Contains(state, want) {
			t.Errorf("mapping state missing %q:\n%s", want, state)
		}
	}
}

func TestMapPhase1_Decisions(t *testing.T) {
	tmp := t.TempDir()
	writeScanFixture(t, tmp)

	decisions := "decisions:\n  prop-tenant-grouping: accept\n  prop-network-domains: reject\n"
	if err := os.WriteFile(filepath.Join(tmp, "decisions.yaml"), []byte(decisions), 0o644); err != nil {
		t.Fatalf("Failed to write decisions file: %v", err)
	}

	output, code := runCLI(t, tmp, "map", "phase1", "aws-scan.json", "-d", "decisions.yaml")
	if code != 0 {
		t.Fatalf("map phase1 with decisions exit code = %d, want 0\nOutput: %s", code, output)
	}

	data, err := os.ReadFile(filepath.Join(tmp, "mapping-state.yaml"))
	if err != nil {
		t.Fatalf("map phase1 did not write mapping-state.yaml: %v", err)
	}
	state := string(data)
	if !strings.Contains(state, "status: accepted") {
		t.Errorf("decisions file did not accept proposal:\n%s", state)
	}
	if !strings.Contains(state, "status: rejected") {
		t.Errorf("decisions file did not reject proposal:\n%s", state)
	}
}

func TestMapPhase1_MissingScan(t *testing.T) {
	tmp := t.TempDir()
	output, code := runCLI(t, tmp, "map", "phase1", "no-such-scan.json")
	if code != 2 {
		t.Errorf("map phase1 missing scan exit code = %d, want 2\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "not found") {
		t.Errorf("map phase1 output = %q, want not-found error", output)
	}
}

func TestMapShow(t *testing.T) {
	tmp := t.TempDir()
	writeScanFixture(t, tmp)
	if output, code := runCLI(t, tmp, "map", "phase1", "aws-scan.json"); code != 0 {
		t.Fatalf("map phase1 failed: %s", output)
	}

	t.Run("json format", func(t *testing.T) {
		output, code := runCLI(t, tmp, "map", "show", "--state", "mapping-state.yaml", "--format", "json")
		if code != 0 {
			t.Fatalf("map show exit code = %d, want 0\nOutput: %s", code, output)
		}
		if !strings.Contains(output, `"security_zones"`) {
			t.Errorf("map show json output missing security_zones:\n%s", output)
		}
	})

	t.Run("table format", func(t *testing.T) {
		output, code := runCLI(t, tmp, "map", "show", "--state", "mapping-state.yaml")
		if code != 0 {
			t.Fatalf("map show exit code = %d, want 0\nOutput: %s", code, output)
		}
		if !strings.Contains(output, "Security zones: 2") {
			t.Errorf("map show table output = %q, want zone count", output)
		}
	})

	t.Run("cel filter", func(t *testing.T) {
		output, code := runCLI(t, tmp, "map", "show", "--state", "mapping-state.yaml",
			"--format", "json", "--filter", `proposal.status == "accepted"`)
		if code != 0 {
			t.Fatalf("map show with filter exit code = %d, want 0\nOutput: %s", code, output)
		}
		// All fixture proposals are pending, so the filter drops them.
		if strings.Contains(output, "prop-tenant-grouping") {
			t.Errorf("filter kept a pending proposal:\n%s", output)
		}
	})

	t.Run("invalid filter", func(t *testing.T) {
		output, code := runCLI(t, tmp, "map", "show", "--state", "mapping-state.yaml",
			"--filter", "proposal.status ==")
		if code != 2 {
			t.Errorf("map show invalid filter exit code = %d, want 2\nOutput: %s", code, output)
		}
	})
}

func TestBuildGenerate(t *testing.T) {
	tmp := t.TempDir()
	writeScanFixture(t, tmp)
	if output, code := runCLI(t, tmp, "map", "phase1", "aws-scan.json"); code != 0 {
		t.Fatalf("map phase1 failed: %s", output)
	}

	output, code := runCLI(t, tmp, "build", "generate", "--state", "mapping-state.yaml", "--output-dir", "infra")
	if code != 0 {
		t.Fatalf("build generate exit code = %d, want 0\nOutput: %s", code, output)
	}
	if !strings.Contains(output, "Generation complete") {
		t.Errorf("build generate output = %q, want completion message", output)
	}

	for _, name := range []string{"main.tf", "variables.tf", "outputs.tf", "terraform.tfvars"} {
		if _, err := os.Stat(filepath.Join(tmp, "infra", name)); err != nil {
			t.Errorf("build generate did not write %s: %v", name, err)
		}
	}
}

func TestJSONOutputEnvelope(t *testing.T) {
	tmp := t.TempDir()
	output, code := runCLI(t, tmp, "--output-format", "json",
		"config", "validate", "--config-file", filepath.Join(tmp, "missing.yaml"))
	if code != 2 {
		t.Fatalf("exit code = %d, want 2\nOutput: %s", code, output)
	}

	var result struct {
		APIVersion string `json:"api_version"`
		Command    string `json:"command"`
		Success    bool   `json:"success"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &result); err != nil {
		t.Fatalf("JSON mode output is not valid JSON: %v\nOutput: %s", err, output)
	}
	if result.APIVersion != "1.0" {
		t.Errorf("api_version = %q, want %q", result.APIVersion, "1.0")
	}
	if result.Command != "config validate" {
		t.Errorf("command = %q, want %q", result.Command, "config validate")
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if result.Error == "" {
		t.Error("error is empty, want failure detail")
	}
}

func TestQuietMode(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cloudstrate-config.yaml")

	output, code := runCLI(t, tmp, "--quiet", "config", "init", "--output", cfgPath)
	if code != 0 {
		t.Fatalf("quiet config init exit code = %d, want 0\nOutput: %s", code, output)
	}
	if strings.TrimSpace(output) != "" {
		t.Errorf("quiet mode produced output: %q", output)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("quiet config init did not create file: %v", err)
	}
}
