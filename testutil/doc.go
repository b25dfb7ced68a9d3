// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 SecFlow 测试的共享工具和辅助函数。

# 概述

testutil 为 workflow 外部的测试包（dsl、api/handlers、cmd/secflow）
提供统一的上下文、异步等待与文件辅助。workflow 包内部测试不能导入此包。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步辅助: WaitFor / WaitForChannel
  - 数据工具: MustJSON / AssertJSONEqual / WriteFile

# 子包

  - testutil/mocks: MockActions，可注入结果、错误与自定义函数并记录调用的动作集合
  - testutil/fixtures: 预置的工作流源文档与告警输入

# 使用示例

	actions := mocks.NewMockActions().WithResult("intel.lookup", "malicious")
	compiler := dsl.NewCompiler(actions.Registry(), zap.NewNop())
	dag, err := compiler.CompileSource(testutil.TestContext(t), []byte(fixtures.IntelSource))
*/
package testutil
