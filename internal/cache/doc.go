// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供按实体作用域的两级缓存。

# 概述

键为 (entity_type, entity_id, namespace)。热层是进程内、按条目数与字节数
限容的 LRU（hashicorp/golang-lru simplelru，按实体 xxhash 分片）；冷层是
可插拔的持久化 Store。热层只是冷层之上的性能缓存。

# 写入

Put 立即更新热层，并把条目放入分片的 write-behind 缓冲。命名空间策略为
persist=sync，或载荷超过 SyncWriteBytes 时，Put 返回前同步写冷层。
缓冲由 Flush、后台 flusher 与 Close 落盘；热层淘汰不影响缓冲，因此不会丢数据。

# 读取

Get 依次查 热层 → 缓冲 → 冷层，冷层命中回填热层。带 TTL 的条目
在每次读取时检查过期；Sweep 只负责回收空间。

# 冷层实现

  - MemoryStore：进程内，用于测试
  - FileStore：每键一个 JSON 文件，临时文件 + rename 原子替换
  - SQLStore：GORM，entity_cache 表（sqlite / postgres / mysql）
  - RedisStore：Redis 原生 TTL，实体级命名空间索引集合

命名空间可配置 TTL、zstd 压缩（仅冷层）与跳过热层。
*/
package cache
