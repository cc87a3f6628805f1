/*
包 metrics 提供基于 Prometheus 的运行时指标采集能力，覆盖
编排器、Agent、熔断器、消息总线、上下文存储与数据库六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 编排器指标：请求总数与耗时按 category/status 分组，
    工具调用总数与耗时按 tool/status 分组。
  - Agent 指标：执行总数、执行耗时、状态转换计数，
    按 agent_id/agent_type 分组。
  - 熔断器指标：状态转换计数与当前状态 Gauge（closed=0、
    open=1、half_open=2），按 resource 分组。
  - 消息总线指标：发布、投递与丢弃总数，由观测循环按
    总线 Stats 差值累加。
  - 上下文存储指标：缓存命中、未命中与后端回源计数，
    按 backend 分组。
  - 数据库指标：连接池活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
