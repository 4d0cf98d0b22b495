// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 GrantFlow 全局共享的基础类型。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 cache、workflow、
processors 等上层模块提供统一的实体标识与错误契约。

# 核心类型

  - EntityRef         — 实体标识（type + id），规范键为 "type:id"
  - Error / ErrorCode — 结构化错误体系，含 Retryable、Processor、Entity 标记

# 错误分类

  - CONFIGURATION       — 依赖缺失、循环依赖、同阶段重复写命名空间，运行前致命
  - TRANSIENT_EXTERNAL  — 网络超时、限流、5xx，按退避策略重试
  - PERMANENT_EXTERNAL  — 校验/鉴权失败、4xx，不重试
  - CACHE_IO            — 冷存储不可用，降级为未命中并继续
  - TIMEOUT             — 处理器调用超过截止时间
*/
package types
