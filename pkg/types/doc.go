// Package types 定义传输栈的公共数据结构
//
// 这是最底层的包，不依赖任何内部包。
//
// # 文件组织
//
//   - nodehandle.go - NodeHandle 覆盖网络节点句柄及其二进制/文本编码
//
// NodeHandle 是可比较的值类型，Identity 层以上的各层都用它作为标识符。
package types
