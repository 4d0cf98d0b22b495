// Package config 提供 GrantFlow 的配置管理功能。
//
// 配置加载顺序：默认值 → YAML 文件 → GRANTFLOW_* 环境变量，
// 覆盖日志、实体缓存（热层容量、冷层存储、命名空间策略）、引擎并发与超时、
// HTTP 服务、指标与遥测，以及声明式的工作流与处理器定义。
//
// HotReloadManager 通过 FileWatcher 轮询配置文件，变更经校验后通知回调；
// 只有 workflows 与 log 段落可以热生效。
package config
