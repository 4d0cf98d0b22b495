// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 GrantFlow 命令行入口。

# 概述

cmd/grantflow 按 YAML 配置装配实体缓存、声明式处理器与工作流引擎，
提供一次性运行、HTTP 服务、配置校验与缓存维护等子命令。

# 子命令

  - run：对给定实体运行一次工作流，结果以 JSON 输出到 stdout；
    退出码 0 表示 SUCCESS，2 表示 PARTIAL，1 表示 FAILED 或启动错误
  - serve：启动 HTTP 服务（/v1/runs、/v1/workflows、/v1/cache、/healthz、/metrics），
    --watch 时配置文件变更后热替换工作流定义与日志级别
  - validate：构造处理器注册表并输出每个工作流的分层计划
  - cache get|invalidate|sweep：直接操作冷热两级缓存
  - version、help

# 中间件

Recovery、RequestID、OTelTracing、RequestLogger 依次包裹 serve 的处理链。
构建时通过 ldflags 注入 Version、BuildTime、GitCommit。
*/
package main
