// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖实体缓存、
处理器与工作流三个维度。

# 概述

Collector 通过 promauto.With 注册到调用方注入的 Registerer，
同一进程内可以存在多个互不冲突的收集器（测试可并行运行）。

# 主要能力

  - 缓存指标：按 tier/namespace 的命中、未命中、热层淘汰、冷层故障。
  - 处理器指标：调用次数与耗时、重试次数、按实体的结果分布。
  - 工作流指标：运行总数（按最终状态）、耗时分布、进行中的运行数。
*/
package metrics
