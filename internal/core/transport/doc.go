// Package transport 提供各层共享的传输工具
//
// 包含：
//   - Handle：可取消的 socket/消息请求句柄，支持向下层级联取消
//   - SocketWrapper：改变标识符类型并转发就绪回调的 socket 包装
//   - WriteFully / ReadExactly / ReadPrefixed：非阻塞 socket 上的完整读写
//   - LogErrorHandler：默认错误处理器（限速日志）
//   - 公共错误：ErrNodeIsFaulty、ErrQueueOverflow、ErrMessageTooLarge 等
//
// 具体传输实现位于子包：socket（缓冲 socket）、memnet（内存网络）、wire（TCP/UDP）。
package transport
