// Copyright 2025 OpsFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent provides the worker lifecycle contract for OpsFlow.

# Overview

Every worker in the runtime implements the Agent interface: a guarded
lifecycle state machine, a request handler that never raises, and a metrics
snapshot. BaseAgent carries the shared machinery; specialist variants differ
only in the Executor they plug in.

# Lifecycle

	UNINITIALIZED → INITIALIZING → READY ⇄ EXECUTING
	                     │            │
	                     ▼            ▼
	                  FAILED     CLEANING_UP → TERMINATED

Initialize and Cleanup are idempotent. FAILED is reached from INITIALIZING
or EXECUTING on unrecoverable error and excludes the agent from routing.
Every transition is validated against a fixed table; state changes are
published on the message bus when one is attached.

# Request handling

HandleRequest wraps the subtype Executor with a per-call timeout and converts
every failure (error, panic, deadline) into a structured ToolResult so that
one failing call can never abort its siblings in a fan-out. Counters and the
rolling average execution time update on every call.

# Variants

ToolAgent is the standard concrete variant: a BaseAgent dispatching to named
ToolFunc handlers. Specialist agents (health, cost, incident, slo, ...) are
ToolAgents with different handler sets, not subclasses.
*/
package agent
