// Package wire 实现基于 TCP/UDP 的原始传输
//
// wire 是传输栈的最底层，标识符为 netip.AddrPort：
//
//   - socket 走 TCP，每条连接由一对读写协程驱动，
//     向上暴露为 socket.Stream（非阻塞，就绪回调在 reactor 上执行）
//   - 消息走 UDP，与 TCP 监听共用同一端口，单条不超过 64 KiB
//
// # 连接前导
//
// 拨号方建立 TCP 连接后先写入自己的监听地址（uvarint 长度 + 地址），
// 接受方据此为入站 socket 标注对端标识，使入站与出站连接使用同一个地址。
//
// # 使用示例
//
//	t, err := wire.Listen(r, wire.Config{ListenAddr: netip.MustParseAddrPort("127.0.0.1:9001")})
//	t.SetCallback(cb)
//	t.OpenSocket(peer, onOpen, transportif.Options{})
package wire
