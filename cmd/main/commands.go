package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/logging"
	hubmcp "mcphub/internal/mcp"
	"mcphub/internal/services"
	"mcphub/internal/telemetry"
	"mcphub/internal/version"
	"mcphub/pkg/apitools"
	"mcphub/pkg/models"
)

// errInvalidConfig makes validate exit with code 2 instead of 1.
var errInvalidConfig = errors.New("configuration is invalid")

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Long: `Start the hub: connect to the configured MCP servers and serve the
aggregated catalogue over streamable HTTP (/mcp), SSE (/sse) and the
management API (/api/v1). SIGHUP reloads group.json and api-tools.json.`,
		RunE: runServe,
	}

	stdioCmd = &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		Long: `Run the hub as a stdio MCP server exposing the default group, for use
as a subprocess of an MCP client. Logs go to stderr (or the log file);
stdout carries only protocol messages.`,
		RunE: runStdio,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the config directory with starter files",
		Long: `Create the config directory and write starter configuration files:
config.yaml, mcp_server.json with a disabled example server, and an
empty group.json. Existing files are left untouched.`,
		RunE: runInit,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration files",
		Long: `Load mcp_server.json, group.json and api-tools.json, report every
problem found and exit non-zero if any of them is unusable.`,
		RunE: runValidate,
	}

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Import tool definitions from external formats",
	}

	importOpenAPICmd = &cobra.Command{
		Use:   "openapi <file>",
		Short: "Convert an OpenAPI 3 document into api-tools.json",
		Long: `Convert an OpenAPI 3 document (JSON or YAML) into declarative API tool
definitions, one tool per operation. Constructs the api-tools format
cannot express are skipped with a warning.`,
		Args: cobra.ExactArgs(1),
		RunE: runImportOpenAPI,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersionString())
		},
	}
)

// buildSettings merges flag and config-file values (already resolved by
// viper) into the environment, then loads the settings the services read.
func buildSettings() *config.Settings {
	if v := viper.GetString("config_path"); v != "" {
		os.Setenv("CONFIG_PATH", v)
	}
	if v := viper.GetString("log_level"); v != "" {
		os.Setenv("LOG_LEVEL", v)
	}
	if v := viper.GetString("log_file"); v != "" {
		os.Setenv("LOG_FILE", v)
	}
	if viper.GetBool("lazy_loading") {
		os.Setenv("ENABLE_LAZY_LOADING", "true")
	}
	if viper.GetBool("no_cache") {
		os.Setenv("ENABLE_CACHING", "false")
	}
	os.Setenv("HOST", viper.GetString("host"))
	os.Setenv("PORT", strconv.Itoa(viper.GetInt("port")))
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Named("serve")
	settings := buildSettings()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	store := config.NewStore(afero.NewOsFs(), settings.ConfigPath)
	hub := services.NewHub(settings, store)
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer shutdownHub(hub)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for range hupCh {
			log.Info("SIGHUP received, reloading groups and api tools")
			if err := hub.Reload(); err != nil {
				log.Error("reload failed: %v", err)
			}
		}
	}()

	front := hubmcp.NewFrontend(hub, settings)
	go front.Run(ctx)

	log.Info("mcphub %s serving %d server(s) from %s on %s:%d",
		version.GetVersion(), len(hub.Manager().IDs()), settings.ConfigPath,
		settings.Host, settings.Port)

	return api.New(settings, hub, front).Start(ctx)
}

func runStdio(cmd *cobra.Command, args []string) error {
	settings := buildSettings()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	store := config.NewStore(afero.NewOsFs(), settings.ConfigPath)
	hub := services.NewHub(settings, store)
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer shutdownHub(hub)

	front := hubmcp.NewFrontend(hub, settings)
	return front.ServeStdio(ctx)
}

func shutdownHub(hub *services.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		logging.Warn("shutdown incomplete: %v", err)
	}
}

// configRoot resolves the directory the config files live in, preferring the
// --config-path flag (or MCPHUB_CONFIG_PATH) over CONFIG_PATH and the XDG
// default.
func configRoot() string {
	if root := viper.GetString("config_path"); root != "" {
		return root
	}
	return config.GetConfigRoot()
}

func runInit(cmd *cobra.Command, args []string) error {
	root := configRoot()
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	fmt.Printf("initializing %s\n", root)

	store := config.NewStore(fs, root)
	disabled := false

	if err := initFile(fs, filepath.Join(root, "config.yaml"), func() error {
		out, err := yaml.Marshal(map[string]any{
			"host":      "0.0.0.0",
			"port":      3000,
			"log_level": "info",
		})
		if err != nil {
			return err
		}
		return afero.WriteFile(fs, filepath.Join(root, "config.yaml"), out, 0o644)
	}); err != nil {
		return err
	}

	if err := initFile(fs, filepath.Join(root, config.ServersFileName), func() error {
		return store.SaveServers(map[string]models.ServerConfig{
			"example": {
				Type:    models.ServerTypeHTTP,
				URL:     "https://example.com/mcp",
				Enabled: &disabled,
			},
		})
	}); err != nil {
		return err
	}

	if err := initFile(fs, filepath.Join(root, config.GroupsFileName), func() error {
		return store.SaveGroups(map[string]models.GroupConfig{})
	}); err != nil {
		return err
	}

	fmt.Printf("\nedit %s, then run 'mcphub validate'\n", filepath.Join(root, config.ServersFileName))
	return nil
}

// initFile writes a starter file unless one is already there. init must be
// safe to re-run on a populated config directory.
func initFile(fs afero.Fs, path string, write func() error) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return err
	}
	if exists {
		fmt.Printf("  - %s already exists, keeping it\n", filepath.Base(path))
		return nil
	}
	if err := write(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("  ✓ %s\n", filepath.Base(path))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	settings := buildSettings()
	store := config.NewStore(afero.NewOsFs(), settings.ConfigPath)
	usable := true

	fmt.Printf("validating configuration in %s\n\n", settings.ConfigPath)

	fmt.Println(config.ServersFileName)
	servers, err := store.LoadServers()
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		usable = false
	} else {
		findings := validateServerConfigs(servers)
		printFindings(findings)
		if apitools.HasBlocking(findings) {
			usable = false
		} else {
			fmt.Printf("  ✓ %d server(s)\n", len(servers))
		}
	}

	fmt.Println(config.GroupsFileName)
	groups, err := store.LoadGroups()
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		usable = false
	} else {
		findings := validateGroupConfigs(groups, servers)
		printFindings(findings)
		if apitools.HasBlocking(findings) {
			usable = false
		} else {
			fmt.Printf("  ✓ %d group(s)\n", len(groups))
		}
	}

	fmt.Println(config.APIToolsFileName)
	raw, exists, err := store.LoadAPIToolsRaw()
	switch {
	case err != nil:
		fmt.Printf("  ✗ %v\n", err)
		usable = false
	case !exists:
		fmt.Println("  - not present (api tools disabled)")
	default:
		doc, err := apitools.ParseDocument(raw)
		if err != nil {
			fmt.Printf("  ✗ %v\n", err)
			usable = false
			break
		}
		findings := apitools.Validate(doc)
		printFindings(findings)
		if apitools.HasBlocking(findings) {
			usable = false
		} else {
			fmt.Printf("  ✓ %d api tool(s)\n", len(doc.Tools))
		}
	}

	if !usable {
		return errInvalidConfig
	}
	fmt.Println("\nconfiguration is valid")
	return nil
}

func printFindings(findings []apitools.Finding) {
	for _, f := range findings {
		fmt.Printf("  ✗ [%s] %s (%s): %s\n", f.Severity, f.Path, f.Code, f.Message)
		if f.Hint != "" {
			fmt.Printf("      hint: %s\n", f.Hint)
		}
	}
}

func runImportOpenAPI(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")
	baseURL, _ := cmd.Flags().GetString("base-url")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	doc, warnings, err := apitools.ImportOpenAPI(data, apitools.ImportOptions{BaseURL: baseURL})
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Operation, w.Message)
	}
	if len(doc.Tools) == 0 {
		return fmt.Errorf("no convertible operations in %s", args[0])
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return err
	}

	fmt.Printf("imported %d tool(s) from %s into %s\n", len(doc.Tools), args[0], outPath)
	return nil
}

// validateServerConfigs applies the same structural rules the hub enforces
// at startup, without connecting anywhere.
func validateServerConfigs(servers map[string]models.ServerConfig) []apitools.Finding {
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var findings []apitools.Finding
	for _, id := range ids {
		cfg := servers[id]
		path := "mcpServers." + id
		switch cfg.ResolvedType() {
		case models.ServerTypeStdio:
			if cfg.Command == "" {
				findings = append(findings, apitools.Finding{
					Path: path, Code: "missing-command", Severity: apitools.SeverityCritical,
					Message: "stdio servers need a command",
					Hint:    "set \"command\" (and optionally \"args\") for this server",
				})
			}
		default:
			if cfg.URL == "" {
				findings = append(findings, apitools.Finding{
					Path: path, Code: "missing-url", Severity: apitools.SeverityCritical,
					Message: fmt.Sprintf("%s servers need a url", cfg.ResolvedType()),
					Hint:    "set \"url\" to the server's endpoint",
				})
				continue
			}
			if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
				findings = append(findings, apitools.Finding{
					Path: path, Code: "invalid-url", Severity: apitools.SeverityCritical,
					Message: fmt.Sprintf("%q is not an absolute URL", cfg.URL),
				})
			}
		}
		if !cfg.IsEnabled() {
			findings = append(findings, apitools.Finding{
				Path: path, Code: "disabled", Severity: apitools.SeverityLow,
				Message: "server is disabled and will not be connected",
			})
		}
	}
	return findings
}

// validateGroupConfigs flags references the hub would drop at load time.
func validateGroupConfigs(groups map[string]models.GroupConfig, servers map[string]models.ServerConfig) []apitools.Finding {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var findings []apitools.Finding
	for _, id := range ids {
		cfg := groups[id]
		path := "groups." + id
		if id == services.DefaultGroupID {
			findings = append(findings, apitools.Finding{
				Path: path, Code: "overrides-default", Severity: apitools.SeverityLow,
				Message: "replaces the implicit all-servers group on the unscoped endpoints",
			})
		}
		if len(cfg.Servers) == 0 {
			findings = append(findings, apitools.Finding{
				Path: path, Code: "no-servers", Severity: apitools.SeverityMedium,
				Message: "group references no servers and will expose no tools",
			})
		}
		for _, ref := range cfg.Servers {
			if _, ok := servers[ref]; !ok {
				findings = append(findings, apitools.Finding{
					Path: path, Code: "unknown-server", Severity: apitools.SeverityMedium,
					Message: fmt.Sprintf("references unknown server %q; the hub drops it at load", ref),
					Hint:    "add the server to " + config.ServersFileName + " or remove the reference",
				})
			}
		}
	}
	return findings
}
