package config

import (
	"github.com/spf13/viper"

	"rally/internal/permission"
	"rally/internal/registry"
)

// Named defaults for every tunable this module recognises, centralized
// here rather than sprinkled through the code as magic literals
// (original_source's constants.rs idiom).
const (
	DefaultAdvisorBaseURL          = "http://127.0.0.1:11434"
	DefaultAdvisorModel            = "llama3.1"
	DefaultAssistantBinaryName     = "claude"
	DefaultHandoffDir              = "handoffs"
	DefaultMaxInstances            = 8
	DefaultMaxInstancesHardCeiling = 20
	DefaultStallInitialSeconds     = 10
	DefaultStallMaxSeconds         = 30
	DefaultStallMinCheckIntervalS  = 5
	// DefaultMCPConfigFlag is the child CLI flag name used to pass an
	// MCP manifest path.
	DefaultMCPConfigFlag = "--mcp-config"
)

// DefaultRegistrySocketPath resolves the registry daemon's well-known
// socket path for the "rally" app name.
func DefaultRegistrySocketPath() string {
	return registry.SocketPath("rally")
}

// DefaultSafeToolsWhitelist returns the built-in safe-tools whitelist,
// the same list internal/permission pre-approves on fresh tabs, so
// config and permission never drift apart on what "safe" means.
func DefaultSafeToolsWhitelist() []string {
	return append([]string(nil), permission.SafeTools...)
}

// SetDefaults registers every tunable's default with viper before a
// config file or environment variables are layered on top.
func SetDefaults() {
	viper.SetDefault("advisor_base_url", DefaultAdvisorBaseURL)
	viper.SetDefault("advisor_model", DefaultAdvisorModel)
	viper.SetDefault("assistant_binary_name", DefaultAssistantBinaryName)
	viper.SetDefault("handoff_dir", DefaultHandoffDir)
	viper.SetDefault("max_instances_default", DefaultMaxInstances)
	viper.SetDefault("max_instances_hard_ceiling", DefaultMaxInstancesHardCeiling)
	viper.SetDefault("stall_initial_s", DefaultStallInitialSeconds)
	viper.SetDefault("stall_max_s", DefaultStallMaxSeconds)
	viper.SetDefault("stall_min_check_interval_s", DefaultStallMinCheckIntervalS)
	viper.SetDefault("registry_socket_path", DefaultRegistrySocketPath())
	viper.SetDefault("safe_tools_whitelist", DefaultSafeToolsWhitelist())
	viper.SetDefault("mcp_config_path", "")
	viper.SetDefault("assistant_version_constraint", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")
	viper.SetDefault("webview.enabled", false)
	viper.SetDefault("webview.port", 7890)
}
