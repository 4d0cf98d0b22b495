// =============================================================================
// GrantFlow 主入口
// =============================================================================
// 处理器编排引擎与实体缓存的命令行入口
//
// 使用方法:
//
//	grantflow run --workflow profile --entities org:123,org:456   # 运行一次工作流
//	grantflow serve --config grantflow.yaml --watch                # 启动 HTTP 服务
//	grantflow validate --config grantflow.yaml                     # 校验配置与处理器图
//	grantflow cache get --entity org:123 --namespace fetch         # 读取缓存条目
//	grantflow cache invalidate --entity org:123                    # 失效实体缓存
//	grantflow cache sweep                                          # 回收过期条目
//	grantflow version                                              # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/telemetry"
	"github.com/BaSui01/grantflow/processors"
	"github.com/BaSui01/grantflow/types"
	"github.com/BaSui01/grantflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runWorkflow(os.Args[2:], os.Stdout))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:], os.Stdout))
	case "cache":
		os.Exit(runCache(os.Args[2:], os.Stdout))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitError)
	}
}

// loadConfig 加载并校验配置；出错时打印到 stderr
func loadConfig(path string) (*config.Config, bool) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runWorkflow(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	name := fs.String("workflow", "", "Workflow name")
	entities := fs.String("entities", "", "Comma separated entity references (type:id)")
	runID := fs.String("run-id", "", "Explicit run ID")
	deadline := fs.Duration("deadline", 0, "Overall deadline (overrides engine.workflow_deadline)")
	fs.Parse(args)

	if *name == "" || *entities == "" {
		fmt.Fprintln(os.Stderr, "run requires --workflow and --entities")
		return exitError
	}
	refs, err := types.ParseEntityRefs(strings.Split(*entities, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid entities: %v\n", err)
		return exitError
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return exitError
	}
	logger, _ := initLogger(stderrLog(cfg.Log))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitError
	}
	defer closeApp(a, logger)

	def, err := a.definition(*name)
	if err != nil {
		logger.Error("workflow lookup failed", zap.Error(err))
		return exitError
	}

	res := a.engine.Run(ctx, def, refs, workflow.RunOptions{RunID: *runID, Deadline: *deadline})
	if err := writeJSON(out, res); err != nil {
		logger.Error("failed to write result", zap.Error(err))
		return exitError
	}
	return exitCode(res.Status)
}

// exitCode 把运行汇总状态映射为进程退出码
func exitCode(s workflow.Status) int {
	switch s {
	case workflow.StatusSuccess:
		return exitOK
	case workflow.StatusPartial:
		return exitPartial
	default:
		return exitError
	}
}

func closeApp(a *app, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

type planSummary struct {
	Workflow string     `json:"workflow"`
	Levels   [][]string `json:"levels,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func runValidate(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return exitError
	}

	summaries, err := validateConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid processors: %v\n", err)
		return exitError
	}
	if err := writeJSON(out, summaries); err != nil {
		return exitError
	}
	for _, s := range summaries {
		if s.Error != "" {
			return exitError
		}
	}
	return exitOK
}

// validateConfig 构造处理器注册表并为每个工作流生成执行计划
func validateConfig(cfg *config.Config) ([]planSummary, error) {
	reg := workflow.NewRegistry(zap.NewNop())
	if err := processors.Register(reg, cfg.Processors, zap.NewNop()); err != nil {
		return nil, err
	}
	if verrs := reg.Validate(); len(verrs) > 0 {
		return nil, workflow.ValidationErrors(verrs)
	}

	defs := workflow.DefinitionsFromConfig(cfg)
	summaries := make([]planSummary, 0, len(defs))
	for _, d := range defs {
		s := planSummary{Workflow: d.Name}
		plan, err := d.Plan(reg)
		if err != nil {
			s.Error = err.Error()
			var te *types.Error
			if errors.As(err, &te) && te.Cause != nil {
				s.Error = te.Cause.Error()
			}
		} else {
			for _, level := range plan.Levels {
				names := make([]string, len(level))
				for i, pd := range level {
					names[i] = pd.Name
				}
				s.Levels = append(s.Levels, names)
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// =============================================================================
// 🗄️ cache 命令
// =============================================================================

func runCache(args []string, out io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "cache requires a subcommand: get, invalidate, sweep")
		return exitError
	}
	sub := args[0]

	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	entity := fs.String("entity", "", "Entity reference (type:id)")
	namespace := fs.String("namespace", "", "Namespace (comma separated for invalidate)")
	fs.Parse(args[1:])

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return exitError
	}
	logger, _ := initLogger(stderrLog(cfg.Log))
	defer logger.Sync()

	ctx := context.Background()
	c, err := newCacheOnly(ctx, cfg, logger)
	if err != nil {
		logger.Error("cache unavailable", zap.Error(err))
		return exitError
	}
	defer func() {
		if err := c.Close(ctx); err != nil {
			logger.Error("failed to close cache", zap.Error(err))
		}
	}()

	switch sub {
	case "get":
		ref, err := types.ParseEntityRef(*entity)
		if err != nil || *namespace == "" {
			fmt.Fprintln(os.Stderr, "cache get requires --entity type:id and --namespace")
			return exitError
		}
		var raw json.RawMessage
		if err := c.GetJSON(ctx, ref, *namespace, &raw); err != nil {
			fmt.Fprintf(os.Stderr, "cache get: %v\n", err)
			return exitError
		}
		return writeOrFail(out, raw)

	case "invalidate":
		ref, err := types.ParseEntityRef(*entity)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cache invalidate requires --entity type:id")
			return exitError
		}
		var namespaces []string
		if *namespace != "" {
			namespaces = strings.Split(*namespace, ",")
		}
		if err := c.Invalidate(ctx, ref, namespaces...); err != nil {
			fmt.Fprintf(os.Stderr, "cache invalidate: %v\n", err)
			return exitError
		}
		return writeOrFail(out, map[string]any{"invalidated": ref.Key(), "namespaces": namespaces})

	case "sweep":
		n, err := c.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cache sweep: %v\n", err)
			return exitError
		}
		return writeOrFail(out, map[string]int{"removed": n})

	default:
		fmt.Fprintf(os.Stderr, "Unknown cache subcommand: %s\n", sub)
		return exitError
	}
}

func writeOrFail(out io.Writer, v any) int {
	if err := writeJSON(out, v); err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		return exitError
	}
	return exitOK
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("GrantFlow %s\n", Version)
	fmt.Printf("  Module:     %s\n", telemetry.Version())
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`GrantFlow - processor orchestration with an entity cache

Usage:
  grantflow <command> [options]

Commands:
  run       Run a workflow once and print the JSON result
  serve     Start the HTTP service
  validate  Validate config, processors and workflow plans
  cache     Inspect the entity cache (get, invalidate, sweep)
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --workflow <name>      Workflow to run
  --entities <list>      Comma separated type:id references
  --deadline <duration>  Overall deadline
  --run-id <id>          Explicit run ID

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --watch           Reload workflows when the config file changes

Cache subcommands:
  cache get --entity org:1 --namespace fetch
  cache invalidate --entity org:1 [--namespace a,b]
  cache sweep

Exit codes:
  0 success, 1 failed or error, 2 partial

Examples:
  grantflow run --config grantflow.yaml --workflow profile --entities org:123,org:456
  grantflow serve --config /etc/grantflow/config.yaml --watch
  grantflow validate --config grantflow.yaml
  grantflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 按配置构建 logger，返回的 AtomicLevel 可在热重载时调整
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

// stderrLog stdout 用于输出结果时，把日志改写到 stderr
func stderrLog(cfg config.LogConfig) config.LogConfig {
	paths := make([]string, 0, len(cfg.OutputPaths))
	for _, p := range cfg.OutputPaths {
		if p == "stdout" {
			p = "stderr"
		}
		paths = append(paths, p)
	}
	cfg.OutputPaths = paths
	return cfg
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
