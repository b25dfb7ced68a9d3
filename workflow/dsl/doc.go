// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package dsl 提供工作流的 YAML 语言、条件表达式解析与图编译器。

一个工作流由顺序语句组成：

	name: triage
	input: alert
	statements:
	  - assign: a
	    call: core.passthrough
	    with: {value: "{{ alert.severity }}"}
	  - if: a > 3
	    then:
	      - call: core.log
	        with: {message: "escalate {{ a }}"}
	        run_after: [a]

Parser 将文档解析为语法树，Builder 以 Go 代码构造同样的语法树，
Compiler 依据数据依赖生成 workflow.WorkflowDAG：只保留传递规约后的
直接依赖，条件块之后的语句依赖该块的叶集合，节点 ID 由动作类型派生并按
出现顺序追加 _2、_3 后缀，同一文档的编译结果完全确定。
*/
package dsl
