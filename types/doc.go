// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

// Package types 定义 SecFlow API 层共享的结构化错误与错误码。
// 本包不依赖任何内部包。
package types
