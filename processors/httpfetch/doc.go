// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
包 httpfetch 提供通用的 JSON-over-HTTP 处理器。

# 概述

Fetcher 按 URL 模板（{type}、{id}）对每个实体发起一次 GET，
2xx 的 JSON 响应作为产出并写入缓存命名空间；缓存命中时不再请求上游。

# 错误分类

  - 404：配置 not_found_as_skip 时记为 SKIPPED，否则为永久失败
  - 408 / 429 / 5xx / 网络错误：瞬时失败，由引擎退避重试
  - 其他 4xx、非 JSON 响应：永久失败
  - 调用超时：TIMED_OUT
*/
package httpfetch
