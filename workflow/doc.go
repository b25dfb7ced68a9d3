// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供安全自动化工作流的图模型与执行引擎。

# 概述

编译后的工作流是一个 WorkflowDAG：唯一的 start 节点产出输入载荷，
ActionNode 调用已注册的动作，ConditionalNode 依据条件选择 true/false
两条互斥的出边列表。DAG 一经构建即不可变，运行期状态全部保存在调度器内部。

# 核心类型

  - WorkflowDAG / Node：图模型与结构校验（唯一入口、无环、子节点存在）
  - Condition：Constant / Unary / Binary / And / Or 条件表达式树
  - ResolveValue：{{ path }} 引用解析，整串引用保留原始类型
  - Registry：显式构造的动作注册表，注入编译器与执行器
  - ActivityExecutor：动作执行契约；LocalExecutor 提供超时、指数退避重试、
    限流与按动作类型的熔断器
  - DAGExecutor：入度门控的并发调度器，条件分支的未选路径在运行期剪除
  - Runner：后台运行管理（启动、取消、等待）
  - DAGDefinition：持久化表示，JSON / YAML 无损往返

# 调度语义

每个节点在一次运行中至多执行一次。节点在所有未被剪除的入边完成后就绪；
条件节点求值后按广度优先消去未选分支的入边，仅因消去而入度归零的节点被剪除，
两条分支都可达的节点只扣减被消去的那部分贡献。首个失败被记录为 RunFailure，
调度随即停止派发，已在执行的任务排空后运行结束。
*/
package workflow
