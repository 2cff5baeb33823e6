// Package memnet 提供进程内的模拟网络
//
// 每个节点以 netip.AddrPort 标识，拥有一个实现
// transport.Transport[netip.AddrPort] 的原始传输。socket 由一对
// socket.Stream 组成，数据在 reactor 上搬运；消息按数据报语义投递
// （不可达时静默丢弃）。
//
// Network 支持分区（Partition/Heal）与崩溃（Crash），用于在测试中
// 驱动存活检测与故障恢复：
//
//   - 分区期间，两端之间的数据报被丢弃，已有连接的数据滞留在缓冲区，
//     新建连接既不成功也不失败（黑洞）
//   - 崩溃的节点从网络中移除，对端连接收到 ErrConnectionReset
package memnet
