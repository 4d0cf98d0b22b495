// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供处理器编排引擎。

# 概述

workflow 包把一组声明了依赖的处理器按拓扑分层执行：同一阶段内并发，
阶段之间按依赖顺序推进。每个处理器面向一组实体运行，按实体汇报结果；
单个实体的失败不会中断其他实体或无关处理器，而是以“该实体缺少某属性”
的形式传递给后续阶段，备用处理器（fallback）据此被有条件地激活。

# 核心接口与类型

  - Processor / ProcessorFunc — 处理器实现 Run(ctx, entities, ec)
  - RunResult / Outcome      — 按实体汇报 SUCCESS / FAILED / SKIPPED / TIMED_OUT
  - Descriptor               — 名称、依赖、写入命名空间、备用触发条件、工作池、超时、重试、限流
  - Registry                 — 注册、查找与校验（重名、未知依赖、依赖环、命名空间冲突）
  - Definition / Plan        — 工作流定义及其解析出的执行计划（支持 YAML）
  - Engine                   — 分层调度、重试、超时、熔断、截止时间与结果汇总
  - ExecutionContext         — 单次运行的状态：上游产出、计时、缓存句柄
  - Result                   — 运行结果：总体状态、处理器汇总、实体明细
  - Service                  — 异步启动运行、查询状态、等待与关闭

# 备用链

备用处理器不参与拓扑排序。触发处理器完成后，引擎对其尝试过的实体求值
Predicate（MissingOutput、MissingAttribute、FailedWith），只对选中的子集运行
备用处理器；备用处理器本身也可以作为触发器，形成链。某依赖的任一备用处理器
对实体成功时，该依赖对这个实体视为已满足。

# 总体状态

  - FAILED：配置错误、运行被取消，或某个必需主路径处理器对所有尝试的实体都失败且未被备用链挽回
  - PARTIAL：截止时间到达，或部分实体在必需处理器上失败
  - SUCCESS：必需处理器上没有失败或超时的实体
*/
package workflow
