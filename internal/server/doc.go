// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
grantflow serve 用它承载运行 API 与独立的 /metrics 端口。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务
  - 优雅关闭：Shutdown 在配置的超时内排空请求，可重复调用
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 后关闭
  - 错误传播：Errors() 返回异步错误通道
*/
package server
