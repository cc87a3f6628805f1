// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 OpsFlow 运行时的全局共享类型定义。

# 概述

types 是运行时最底层的公共包，不依赖任何内部包，为 agent、registry、
bus、ctxstore、breaker、retry、orchestrator 等上层模块提供统一的类型
契约。所有跨包共享的结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable、Resource 标记
  - ToolDescriptor    — 工具目录条目（name + owner + category + 参数 Schema）
  - ToolRequest       — 一次工具调用的请求载荷
  - ToolResult        — 工具执行结果（状态、耗时、错误码）
  - Message           — 总线消息信封（event / direct 两种）
  - AgentMeta         — Agent 注册元数据
  - JSONSchema        — 工具参数 Schema 定义与构建器（NewObjectSchema 等）

# 主要能力

  - Context 传播：WithTraceID / WithWorkflowID / WithRequestID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - 常用错误构造：NewExecutionError / NewTimeoutError / NewConflictError
*/
package types
